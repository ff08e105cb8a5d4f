package models

import (
	"errors"
	"fmt"
)

var (
	ErrAuth           = errors.New("identity could not be established")
	ErrSessionRunning = errors.New("detection already running for this client")
	ErrNoSession      = errors.New("no detection running for this client")
	ErrNotFound       = errors.New("not found")
)

// AcquisitionError is a device open/read failure. Terminal errors end the session.
type AcquisitionError struct {
	Source   string
	Terminal bool
	Err      error
}

func (e *AcquisitionError) Error() string {
	kind := "recoverable"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("acquisition (%s) from %s: %v", kind, e.Source, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ClassificationError never leaves the classifier boundary; it is logged and
// replaced by an unknown prediction.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return "classification: " + e.Err.Error()
}

func (e *ClassificationError) Unwrap() error { return e.Err }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProtocolError is answered with an error message; the channel stays open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Reason
}

func IsTerminalAcquisition(err error) bool {
	var acq *AcquisitionError
	return errors.As(err, &acq) && acq.Terminal
}
