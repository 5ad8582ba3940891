package commands

import "testing"

func TestErrText(t *testing.T) {
	if got := errText(nil); got != "" {
		t.Errorf("errText(nil) = %q, want empty", got)
	}
	msg := "connect: host unreachable"
	if got := errText(&msg); got != msg {
		t.Errorf("errText = %q, want %q", got, msg)
	}
}
