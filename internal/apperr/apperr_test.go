package apperr

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestIs_MatchesSentinelOfSameKind(t *testing.T) {
	err := NotFound("session %s not found", "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatal("not-found error must not match ErrValidation")
	}

	wrapped := fmt.Errorf("close session: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("expected wrapped error to match ErrNotFound")
	}
}

func TestError_MessageAndCause(t *testing.T) {
	err := Runtime(io.ErrUnexpectedEOF, "read pty")
	if got := err.Error(); got != "read pty: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected cause to be reachable with errors.Is")
	}

	v := Validation("command cannot be empty")
	if v.Error() != "command cannot be empty" {
		t.Errorf("validation message should be verbatim, got %q", v.Error())
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Validation("x"), KindValidation},
		{NotFound("x"), KindNotFound},
		{Auth("x"), KindAuth},
		{Transport(io.EOF, "x"), KindTransport},
		{fmt.Errorf("wrap: %w", Auth("x")), KindAuth},
		{errors.New("plain"), KindRuntime},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	if HTTPStatus(Validation("x")) != http.StatusBadRequest {
		t.Error("validation should map to 400")
	}
	if HTTPStatus(NotFound("x")) != http.StatusNotFound {
		t.Error("not found should map to 404")
	}
	if HTTPStatus(Transport(nil, "x")) != http.StatusBadGateway {
		t.Error("transport should map to 502")
	}
	if HTTPStatus(errors.New("boom")) != http.StatusInternalServerError {
		t.Error("unclassified should map to 500")
	}
}
