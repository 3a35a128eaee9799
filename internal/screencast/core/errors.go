package core

import "errors"

var (
	ErrSessionActive     = errors.New("a session is already running")
	ErrNotStarted        = errors.New("encoder not started")
	ErrEncoderTerminated = errors.New("encoder terminated")
	ErrSinkClosed        = errors.New("sink closed")
	ErrUnsupported       = errors.New("unsupported by sink")
)
