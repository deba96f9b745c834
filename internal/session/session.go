// Package session holds the in-memory state of open interactive sessions.
//
// The Registry is the only owner of Session values. Workers and executors
// read and change sessions through Get and Mutate and never keep a copy past
// the call that produced it.
package session

import (
	"time"

	"github.com/rivo/uniseg"
)

// DefaultMaxOutputChars caps the rolling output buffer of a session.
const DefaultMaxOutputChars = 16000

// Session is one logical interactive connection to a remote host.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"targetId"`
	TargetName string    `json:"targetName"`
	CurrentDir string    `json:"currentDir"`
	Output     string    `json:"lastOutput"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TrimToLastChars keeps the last n user-perceived characters of s. It never
// cuts inside a UTF-8 sequence or a multi-codepoint grapheme cluster.
func TrimToLastChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	total := uniseg.GraphemeClusterCount(s)
	if total <= n {
		return s
	}
	rest, state := s, -1
	for skip := total - n; skip > 0; skip-- {
		_, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
	}
	return rest
}
