// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ndctlerr defines the typed error kinds that every layer of the
// label/BTT metadata engine and the object graph report through, mirroring
// the way lib/binstruct distinguishes InvalidTypeError from
// ErrNotEnoughData: callers test the Kind with the package-level Is (or
// errors.As to *Error) against a small fixed vocabulary instead of
// matching on formatted text.
package ndctlerr

import (
	"errors"
	"fmt"
)

// Kind is one of the seven error categories the core distinguishes: bad
// arguments, busy devices, unsupported commands, missing objects, media or
// transport faults, corrupt on-media metadata, and stale object-graph
// handles.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindBusy
	KindNotSupported
	KindNotFound
	KindMedia
	KindCorrupt
	KindStale
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindBusy:
		return "busy"
	case KindNotSupported:
		return "not supported"
	case KindNotFound:
		return "not found"
	case KindMedia:
		return "media/transport error"
	case KindCorrupt:
		return "corrupt metadata"
	case KindStale:
		return "stale handle"
	default:
		return fmt.Sprintf("ndctlerr.Kind(%d)", int(k))
	}
}

// Error is a typed error carrying a Kind, the device the error is about,
// and a wrapped cause.
type Error struct {
	Kind   Kind
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Device, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a target that carries a Kind through an unexported
// ndctlKind() method. Kind is not an error and no type in this package
// has that method, so errors.Is(err, someKind) is not possible and this
// method reports false for every target; use the package-level Is to
// test an error's Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(interface{ ndctlKind() Kind }); ok {
		return e.Kind == k.ndctlKind()
	}
	return false
}

func New(kind Kind, device string, err error) *Error {
	return &Error{Kind: kind, Device: device, Err: err}
}

func Newf(kind Kind, device string, format string, args ...any) *Error {
	return &Error{Kind: kind, Device: device, Err: fmt.Errorf(format, args...)}
}

// WithDevice adds device context to err the way the lifecycle layer is
// specified to "add one line of context naming the device", without
// discarding the original Kind if err is already a *Error.
func WithDevice(device string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Device: device, Err: e}
	}
	return &Error{Kind: KindInvalidArgument, Device: device, Err: err}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// errno is the closest POSIX errno for each Kind, used to produce the
// negative errno-style CLI exit code on failure; it's a rough mapping
// (the kinds don't line up 1:1 with errno) picked to match what a
// command-line caller expects to see for the same failure.
var errno = map[Kind]int{
	KindInvalidArgument: 22, // EINVAL
	KindBusy:            16, // EBUSY
	KindNotSupported:     95, // EOPNOTSUPP
	KindNotFound:        2,  // ENOENT
	KindMedia:           5,  // EIO
	KindCorrupt:         5,  // EIO
	KindStale:           107, // ENOTCONN, the closest stand-in for "stale handle"
}

// ExitCode maps err to the negative errno-style code the CLI layer
// exits with on failure. A nil err maps to 0; an err that isn't an
// *Error falls back to a generic -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		if code, ok := errno[e.Kind]; ok {
			return -code
		}
	}
	return -1
}
