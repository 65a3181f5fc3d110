package main

import (
	"errors"

	binderyerrors "github.com/odvcencio/bindery/pkg/errors"
	"github.com/odvcencio/bindery/pkg/rpc"
)

const (
	exitUsage  = 2
	exitConfig = 3
	exitWorker = 4
	exitCall   = 5
	exitPolicy = 6
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return 1
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return 1
}

// exitCodeForResult separates policy rejections from calls that failed.
func exitCodeForResult(res rpc.Result) int {
	if res.Success {
		return 0
	}
	if res.Error == nil {
		return exitCall
	}
	switch res.Error.Kind {
	case binderyerrors.ErrCodeThreatDetected,
		binderyerrors.ErrCodeRateLimitExceeded,
		binderyerrors.ErrCodeCircuitOpen:
		return exitPolicy
	default:
		return exitCall
	}
}
