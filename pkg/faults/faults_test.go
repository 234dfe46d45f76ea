package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestErrorChain(t *testing.T) {
	base := fs.ErrPermission
	err := New(IO, "copy", "/mirror/M/f.txt", base)
	wrapped := fmt.Errorf("mirror action failed: %w", err)

	if !Is(wrapped, IO) {
		t.Error("expected wrapped error to carry kind IO")
	}
	if Is(wrapped, Validation) {
		t.Error("did not expect kind Validation")
	}
	if !errors.Is(wrapped, fs.ErrPermission) {
		t.Error("expected the underlying error to stay reachable")
	}
	if got, want := err.Error(), "copy /mirror/M/f.txt: permission denied"; got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
}

func TestKindOf(t *testing.T) {
	if k, ok := KindOf(errors.New("plain")); ok || k != Unexpected {
		t.Errorf("KindOf(plain) = (%v, %v); want (unexpected, false)", k, ok)
	}
	if k, ok := KindOf(Newf(LockTimeout, "load configuration", "", "waited %dms", 5000)); !ok || k != LockTimeout {
		t.Errorf("KindOf = (%v, %v); want (lockTimeout, true)", k, ok)
	}
}

func TestKindJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Kind Kind `json:"kind"`
	}{PathOutsideRoot})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"kind":"pathOutsideRoot"}` {
		t.Errorf("unexpected JSON: %s", data)
	}

	var k Kind
	if err := json.Unmarshal([]byte(`"sideways"`), &k); err == nil {
		t.Error("expected error for unknown kind name")
	}
}
