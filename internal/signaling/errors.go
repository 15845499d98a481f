package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a call record does not exist.
	ErrNotFound = errors.New("call record not found")

	// ErrCallTerminated is returned when answering a call whose status is
	// already ended or rejected.
	ErrCallTerminated = errors.New("call already terminated")

	// ErrAlreadyAnswered is returned when a call record already carries an answer.
	ErrAlreadyAnswered = errors.New("call already answered")
)

// StoreWriteError wraps a transport or backend failure on a write.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("signaling store write %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// StoreReadError wraps a transport or backend failure on a read.
type StoreReadError struct {
	Op  string
	Err error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("signaling store read %s: %v", e.Op, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// wrapWrite leaves sentinel errors untouched so callers can match them with
// errors.Is, and wraps everything else.
func wrapWrite(op string, err error) error {
	if err == nil || isSentinel(err) {
		return err
	}
	return &StoreWriteError{Op: op, Err: err}
}

func wrapRead(op string, err error) error {
	if err == nil || isSentinel(err) {
		return err
	}
	return &StoreReadError{Op: op, Err: err}
}

func isSentinel(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCallTerminated) ||
		errors.Is(err, ErrAlreadyAnswered)
}

// IsStoreError reports whether err is a store read or write failure.
func IsStoreError(err error) bool {
	var we *StoreWriteError
	var re *StoreReadError
	return errors.As(err, &we) || errors.As(err, &re)
}
