/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"time"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

// faultKind classifies a failure so callers can pick between rejecting,
// reporting a no-op, retrying, or tearing down.
type faultKind string

const (
	faultValidation faultKind = "validation"
	faultConflict   faultKind = "conflict"
	faultTransient  faultKind = "transient"
	faultTimeout    faultKind = "timeout"
	faultFatal      faultKind = "fatal"
)

type fault struct {
	kind faultKind
	msg  string
	err  error
}

func (f *fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %v", f.msg, f.err)
	}
	return f.msg
}

func (f *fault) Unwrap() error {
	return f.err
}

func validationErr(format string, args ...any) error {
	return &fault{kind: faultValidation, msg: fmt.Sprintf(format, args...)}
}

func conflictErr(format string, args ...any) error {
	return &fault{kind: faultConflict, msg: fmt.Sprintf(format, args...)}
}

func transientErr(err error, format string, args ...any) error {
	return &fault{kind: faultTransient, msg: fmt.Sprintf(format, args...), err: err}
}

func timeoutErr(format string, args ...any) error {
	return &fault{kind: faultTimeout, msg: fmt.Sprintf(format, args...)}
}

func fatalErr(err error, format string, args ...any) error {
	return &fault{kind: faultFatal, msg: fmt.Sprintf(format, args...), err: err}
}

// kindOf reports the fault classification of err, defaulting to fatal for
// errors that never passed through the taxonomy.
func kindOf(err error) faultKind {
	var f *fault
	if errors.As(err, &f) {
		return f.kind
	}
	return faultFatal
}

// recoverable reports whether the sender should be told about the failure
// without the connection or worker being torn down.
func recoverable(err error) bool {
	switch kindOf(err) {
	case faultValidation, faultConflict, faultTransient:
		return true
	}
	return false
}
