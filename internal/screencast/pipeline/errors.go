package pipeline

import "fmt"

// StartError is a failed start. Everything acquired before Stage was released.
type StartError struct {
	Stage string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("session start failed at %s: %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// AbnormalStop ends a session that was not stopped by its owner.
type AbnormalStop struct {
	Track string
	Err   error
}

func (e *AbnormalStop) Error() string {
	return fmt.Sprintf("session stopped abnormally (%s): %v", e.Track, e.Err)
}

func (e *AbnormalStop) Unwrap() error {
	return e.Err
}

// trackError tags a goroutine failure with the part of the session it came from.
type trackError struct {
	track string
	err   error
}

func (e *trackError) Error() string { return e.track + ": " + e.err.Error() }
func (e *trackError) Unwrap() error { return e.err }
