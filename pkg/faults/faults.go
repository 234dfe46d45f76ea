// Package faults defines the closed set of error kinds reported by the mirror
// engine. Every error that crosses a package boundary on the engine's paths is
// a *Error carrying one of these kinds.
package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Kind classifies an error.
type Kind int

const (
	// Validation marks a configuration that was rejected outright.
	Validation Kind = iota
	// LockTimeout marks a bounded wait that expired.
	LockTimeout
	// PathOutsideRoot marks a path that does not lie below the expected root.
	PathOutsideRoot
	// IO marks a filesystem failure.
	IO
	// PlatformUnsupported marks a capability the host cannot provide.
	PlatformUnsupported
	// Unexpected marks a bug or recovered panic.
	Unexpected
)

var kindToString = map[Kind]string{
	Validation:          "validation",
	LockTimeout:         "lockTimeout",
	PathOutsideRoot:     "pathOutsideRoot",
	IO:                  "io",
	PlatformUnsupported: "platformUnsupported",
	Unexpected:          "unexpected",
}

var stringToKind = util.InvertMap(kindToString)

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_kind(%d)", k)
}

// ParseKind converts a kind name back into a Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := stringToKind[strings.TrimSpace(s)]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("invalid error kind: %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("error kind should be a string, got %s", data)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Error is a classified failure of one operation on one path.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a classified error. A nil err still yields an error so that
// kinds without an underlying cause can be reported.
func New(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, path, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain.
// Errors that were never classified report Unexpected and false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Unexpected, false
}

// kindTarget lets errors.Is match an *Error by kind anywhere in a wrapped or joined tree.
type kindTarget Kind

func (k kindTarget) Error() string { return Kind(k).String() }

func (e *Error) Is(target error) bool {
	k, ok := target.(kindTarget)
	return ok && Kind(k) == e.Kind
}

// Is reports whether err, or any error it wraps or joins, carries the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kindTarget(kind))
}
