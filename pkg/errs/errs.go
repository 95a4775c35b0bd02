// Package errs holds the error kinds surfaced by the capture pipeline.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrPermission: camera or microphone access denied by the platform.
	ErrPermission = errors.New("permission denied")
	// ErrDevice: no device matches the requested facing mode.
	ErrDevice = errors.New("no matching device")
	// ErrEncoding: every codec in the fallback chain is unsupported or failed.
	ErrEncoding = errors.New("encoding failed")
	// ErrNetwork: the upload could not complete at the transport level.
	ErrNetwork = errors.New("network failure")
	// ErrProtocol: the upload response has an unexpected shape.
	ErrProtocol = errors.New("unexpected response")
)

type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind. A nil err still produces an error of that kind.
func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Kind returns the first known kind in err's chain, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrPermission, ErrDevice, ErrEncoding, ErrNetwork, ErrProtocol} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
