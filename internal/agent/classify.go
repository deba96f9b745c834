package agent

import (
	"path"
	"strings"
)

// mutatingCommands change system state whatever their arguments.
var mutatingCommands = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "cp": true, "dd": true, "ln": true,
	"touch": true, "mkdir": true, "truncate": true, "shred": true, "tee": true,
	"chmod": true, "chown": true, "chgrp": true, "chattr": true, "install": true,
	"reboot": true, "shutdown": true, "poweroff": true, "halt": true, "init": true,
	"kill": true, "killall": true, "pkill": true,
	"useradd": true, "userdel": true, "usermod": true, "groupadd": true, "groupdel": true,
	"passwd": true, "chpasswd": true,
	"mount": true, "umount": true, "swapon": true, "swapoff": true,
	"fdisk": true, "parted": true, "wipefs": true,
	"sysctl": true, "modprobe": true, "rmmod": true, "insmod": true,
	"hostnamectl": true, "timedatectl": true,
}

// mutatingSubcommands lists the verbs that make a multiplexed tool
// mutating. Other verbs (status, list, show...) are read-only.
var mutatingSubcommands = map[string]map[string]bool{
	"systemctl": set("start", "stop", "restart", "reload", "try-restart", "reload-or-restart",
		"enable", "disable", "mask", "unmask", "kill", "daemon-reload", "isolate", "set-default",
		"reboot", "poweroff", "halt"),
	"service": set("start", "stop", "restart", "reload", "force-reload"),
	"apt":     set("install", "remove", "purge", "upgrade", "full-upgrade", "dist-upgrade", "autoremove", "update"),
	"apt-get": set("install", "remove", "purge", "upgrade", "dist-upgrade", "autoremove", "update"),
	"yum":     set("install", "remove", "erase", "update", "upgrade", "downgrade"),
	"dnf":     set("install", "remove", "erase", "update", "upgrade", "downgrade"),
	"zypper":  set("install", "in", "remove", "rm", "update", "up", "dist-upgrade", "dup"),
	"apk":     set("add", "del", "upgrade", "update"),
	"pacman":  set("-S", "-Syu", "-R", "-Rs", "-U"),
	"snap":    set("install", "remove", "refresh"),
	"pip":     set("install", "uninstall"),
	"pip3":    set("install", "uninstall"),
	"npm":     set("install", "i", "uninstall", "update"),
	"docker": set("rm", "rmi", "stop", "kill", "restart", "start", "run", "exec", "pull", "prune",
		"create", "update", "pause", "unpause"),
	"kubectl": set("apply", "create", "delete", "edit", "patch", "replace", "scale", "rollout",
		"drain", "cordon", "uncordon", "taint", "label", "annotate", "set", "exec"),
	"git":     set("push", "commit", "reset", "clean", "checkout", "merge", "rebase", "pull", "stash"),
	"crontab": set("-r", "-e", "-"),
	"iptables": set("-A", "-D", "-I", "-R", "-F", "-X", "-P", "-N", "-Z",
		"--append", "--delete", "--insert", "--flush"),
	"ip": set("add", "del", "delete", "set", "flush", "change", "replace"),
}

// commandPrefixes are wrappers whose argument is the real command.
var commandPrefixes = map[string]bool{
	"sudo": true, "nohup": true, "nice": true, "time": true, "command": true, "exec": true, "env": true,
}

// flagsWithValue are wrapper flags that consume the next word.
var flagsWithValue = map[string]bool{"-u": true, "-g": true, "-n": true, "-C": true}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// IsMutating reports whether command looks like it changes system state:
// a known mutating program, a mutating verb of a service or package tool,
// in-place sed, or output redirection to anything but /dev/null. It is a
// conservative heuristic used to escalate planner decisions, never to
// relax them.
func IsMutating(command string) bool {
	if hasWriteRedirect(command) {
		return true
	}
	for _, segment := range splitPipeline(command) {
		if segmentMutates(shellWords(segment)) {
			return true
		}
	}
	return false
}

func segmentMutates(words []string) bool {
strip:
	for len(words) > 0 {
		w := words[0]
		switch {
		case commandPrefixes[w]:
			words = words[1:]
		case w == "timeout" && len(words) > 1:
			words = words[2:]
		case strings.HasPrefix(w, "-"):
			if flagsWithValue[w] && len(words) > 1 {
				words = words[2:]
			} else {
				words = words[1:]
			}
		case strings.Contains(w, "="):
			words = words[1:]
		default:
			break strip
		}
	}
	if len(words) == 0 {
		return false
	}

	name := path.Base(words[0])
	if mutatingCommands[name] {
		return true
	}
	if name == "sed" {
		for _, a := range words[1:] {
			if strings.HasPrefix(a, "-i") || strings.HasPrefix(a, "--in-place") {
				return true
			}
		}
		return false
	}
	if verbs, ok := mutatingSubcommands[name]; ok {
		for _, a := range words[1:] {
			if verbs[a] {
				return true
			}
		}
	}
	return false
}

// shellWords splits a segment on blanks and strips surrounding quotes.
func shellWords(segment string) []string {
	fields := strings.Fields(segment)
	for i, f := range fields {
		fields[i] = strings.Trim(f, `'"`)
	}
	return fields
}

// splitPipeline splits command on ; && || | and newlines outside quotes.
func splitPipeline(command string) []string {
	var segments []string
	var cur strings.Builder
	var quote byte
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			cur.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ';' || c == '\n' || c == '|':
			flush()
		case c == '&' && i+1 < len(command) && command[i+1] == '&':
			flush()
			i++
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segments
}

// hasWriteRedirect finds > or >> outside quotes whose target is a file
// other than /dev/null. Descriptor duplication such as 2>&1 is ignored.
func hasWriteRedirect(command string) bool {
	var quote byte
	for i := 0; i < len(command); i++ {
		c := command[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if c != '>' {
			continue
		}
		j := i + 1
		if j < len(command) && command[j] == '>' {
			j++
		}
		if j < len(command) && command[j] == '&' {
			i = j
			continue
		}
		rest := strings.TrimLeft(command[j:], " \t")
		target := rest
		if k := strings.IndexAny(rest, " \t;|&"); k >= 0 {
			target = rest[:k]
		}
		if target != "/dev/null" && target != "" {
			return true
		}
		i = j - 1
	}
	return false
}
