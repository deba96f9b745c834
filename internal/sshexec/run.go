package sshexec

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// slowCommand is the threshold above which executions are logged as slow.
const slowCommand = 500 * time.Millisecond

// Run opens a new SSH session on client, runs cmd and returns stdout,
// stderr, the exit code, and any transport-level error. A non-zero exit is
// not an error.
func Run(client *ssh.Client, cmd string) (stdout, stderr string, exitCode int, err error) {
	return RunWithStdin(client, cmd, nil)
}

// RunWithStdin is Run with input piped to the command's stdin.
func RunWithStdin(client *ssh.Client, cmd string, input []byte) (stdout, stderr string, exitCode int, err error) {
	start := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if input != nil {
		session.Stdin = bytes.NewReader(input)
	}

	runErr := session.Run(cmd)
	if elapsed := time.Since(start); elapsed > slowCommand {
		log.Printf("[sshexec] SLOW command (%s): %s", elapsed, logutil.Command(cmd, 80))
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(runErr, &missing) {
			return outBuf.String(), errBuf.String(), -1, nil
		}
		return outBuf.String(), errBuf.String(), -1, runErr
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

// ShellQuote wraps s in single quotes for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// NormalizePath cleans a path printed by the remote shell: backslashes become
// slashes, repeated slashes collapse, a leading slash is enforced and a
// trailing slash is dropped except for the root.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// ParseCdTarget reports whether command is a cd and returns its target.
// A bare "cd" yields an empty target, meaning the home directory.
func ParseCdTarget(command string) (target string, ok bool) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "cd" {
		return "", true
	}
	if rest, found := strings.CutPrefix(trimmed, "cd "); found {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// CombineOutput joins stdout and stderr, stdout first, skipping blank parts.
func CombineOutput(stdout, stderr string) string {
	hasOut, hasErr := strings.TrimSpace(stdout) != "", strings.TrimSpace(stderr) != ""
	switch {
	case hasOut && hasErr:
		return stdout + "\n" + stderr
	case hasOut:
		return stdout
	case hasErr:
		return stderr
	}
	return ""
}

