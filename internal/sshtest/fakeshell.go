package sshtest

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// CommandFunc implements one fake-shell builtin.
type CommandFunc func(args []string, cwd string, stdin []byte) ExecResult

// FakeShell interprets "a && b && c" command chains against an in-memory
// directory tree. It knows cd, pwd, echo, cat, mkdir, true, false and exit;
// anything else must be registered with Handle.
type FakeShell struct {
	Home string

	mu       sync.Mutex
	dirs     map[string]bool
	files    map[string]string
	builtins map[string]CommandFunc
}

func NewFakeShell(home string) *FakeShell {
	f := &FakeShell{
		Home:     home,
		dirs:     map[string]bool{},
		files:    map[string]string{},
		builtins: map[string]CommandFunc{},
	}
	for _, d := range []string{"/", "/tmp", "/etc", "/var/log", home} {
		f.AddDir(d)
	}
	return f
}

// AddDir creates p and all of its parents.
func (f *FakeShell) AddDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addDirLocked(p)
}

func (f *FakeShell) addDirLocked(p string) {
	for p = path.Clean(p); ; p = path.Dir(p) {
		f.dirs[p] = true
		if p == "/" {
			return
		}
	}
}

func (f *FakeShell) AddFile(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addDirLocked(path.Dir(p))
	f.files[path.Clean(p)] = content
}

// File returns the content of p and whether it exists.
func (f *FakeShell) File(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path.Clean(p)]
	return c, ok
}

// Handle registers a custom command.
func (f *FakeShell) Handle(name string, fn CommandFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builtins[name] = fn
}

// Exec runs cmd as an ExecHandler. Execution starts in Home and stops at the
// first failing step.
func (f *FakeShell) Exec(cmd string, stdin []byte) ExecResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	cwd := f.Home
	var out, errOut strings.Builder
	for _, step := range strings.Split(cmd, " && ") {
		words := SplitWords(step)
		if len(words) == 0 {
			continue
		}
		res := f.run(words[0], words[1:], &cwd, stdin)
		out.WriteString(res.Stdout)
		errOut.WriteString(res.Stderr)
		if res.ExitCode != 0 {
			return ExecResult{Stdout: out.String(), Stderr: errOut.String(), ExitCode: res.ExitCode}
		}
	}
	return ExecResult{Stdout: out.String(), Stderr: errOut.String()}
}

func (f *FakeShell) resolve(cwd, p string) string {
	switch {
	case p == "~":
		return f.Home
	case strings.HasPrefix(p, "~/"):
		return path.Join(f.Home, p[2:])
	case strings.HasPrefix(p, "/"):
		return path.Clean(p)
	}
	return path.Join(cwd, p)
}

func (f *FakeShell) run(name string, args []string, cwd *string, stdin []byte) ExecResult {
	if fn, ok := f.builtins[name]; ok {
		return fn(args, *cwd, stdin)
	}
	switch name {
	case "cd":
		target := "~"
		if len(args) > 0 {
			target = args[0]
		}
		dir := f.resolve(*cwd, target)
		if !f.dirs[dir] {
			return ExecResult{Stderr: fmt.Sprintf("sh: cd: %s: No such file or directory\n", target), ExitCode: 1}
		}
		*cwd = dir
		return ExecResult{}
	case "pwd":
		return ExecResult{Stdout: *cwd + "\n"}
	case "echo":
		return ExecResult{Stdout: strings.Join(args, " ") + "\n"}
	case "true":
		return ExecResult{}
	case "false":
		return ExecResult{ExitCode: 1}
	case "exit":
		code := 0
		if len(args) > 0 {
			code, _ = strconv.Atoi(args[0])
		}
		return ExecResult{ExitCode: code}
	case "mkdir":
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				f.addDirLocked(f.resolve(*cwd, a))
			}
		}
		return ExecResult{}
	case "ls":
		dir := *cwd
		if len(args) > 0 {
			dir = f.resolve(*cwd, args[len(args)-1])
		}
		return ExecResult{Stdout: f.list(dir)}
	case "head":
		if len(args) != 3 || args[0] != "-c" {
			return ExecResult{Stderr: "head: usage: head -c N FILE\n", ExitCode: 2}
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return ExecResult{Stderr: fmt.Sprintf("head: invalid number of bytes: %s\n", args[1]), ExitCode: 1}
		}
		c, ok := f.files[f.resolve(*cwd, args[2])]
		if !ok {
			return ExecResult{Stderr: fmt.Sprintf("head: cannot open '%s' for reading: No such file or directory\n", args[2]), ExitCode: 1}
		}
		if len(c) > n {
			c = c[:n]
		}
		return ExecResult{Stdout: c}
	case "cat":
		if len(args) == 2 && args[0] == ">" {
			p := f.resolve(*cwd, args[1])
			f.files[p] = string(stdin)
			return ExecResult{}
		}
		if len(args) == 0 {
			return ExecResult{Stdout: string(stdin)}
		}
		p := f.resolve(*cwd, args[0])
		c, ok := f.files[p]
		if !ok {
			return ExecResult{Stderr: fmt.Sprintf("cat: %s: No such file or directory\n", args[0]), ExitCode: 1}
		}
		return ExecResult{Stdout: c}
	}
	return ExecResult{Stderr: fmt.Sprintf("sh: %s: command not found\n", name), ExitCode: 127}
}

// list prints direct children of dir, one name per line, directories with a
// trailing slash.
func (f *FakeShell) list(dir string) string {
	var names []string
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for d := range f.dirs {
		if d != dir && strings.HasPrefix(d, prefix) && !strings.Contains(d[len(prefix):], "/") {
			names = append(names, d[len(prefix):]+"/")
		}
	}
	for p := range f.files {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, p[len(prefix):])
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, "\n") + "\n"
}

// SplitWords splits s into shell words, honoring single quotes, double
// quotes and backslash escapes.
func SplitWords(s string) []string {
	var (
		words  []string
		cur    strings.Builder
		inWord bool
		quote  rune
		escape bool
	)
	for _, r := range s {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escape = true
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '\\':
			escape = true
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}
