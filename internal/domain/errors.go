package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned for work submitted to, or interrupted by,
	// a torn down session.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidSignal marks a signal whose payload does not match its kind.
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrWrongRoom marks a signal delivered for a room the session is not in.
	ErrWrongRoom = errors.New("signal for another room")
)

// TransportRejection is returned when the transport refuses to create or
// install a session description.
type TransportRejection struct {
	Op  string
	Err error
}

func (e *TransportRejection) Error() string {
	return fmt.Sprintf("transport rejected %s: %v", e.Op, e.Err)
}

func (e *TransportRejection) Unwrap() error { return e.Err }

// CandidateError is returned when a remote ICE candidate could not be added.
// It is expected while descriptions and candidates race and never fatal.
type CandidateError struct {
	Candidate string
	Err       error
}

func (e *CandidateError) Error() string {
	return fmt.Sprintf("add ice candidate %q: %v", e.Candidate, e.Err)
}

func (e *CandidateError) Unwrap() error { return e.Err }

// ChannelPublishFailure is returned when an outbound signal could not be
// handed to the channel. It is not retried.
type ChannelPublishFailure struct {
	Kind Kind
	Err  error
}

func (e *ChannelPublishFailure) Error() string {
	return fmt.Sprintf("publish %s signal: %v", e.Kind, e.Err)
}

func (e *ChannelPublishFailure) Unwrap() error { return e.Err }

// GlareRecoveryFailure describes a failed rollback-and-install attempt after
// an offer collision. FallbackErr is nil when installing the remote offer on
// its own succeeded and negotiation continued.
type GlareRecoveryFailure struct {
	RollbackErr error
	InstallErr  error
	FallbackErr error
}

// Recovered reports whether the fallback install succeeded.
func (e *GlareRecoveryFailure) Recovered() bool {
	return e.FallbackErr == nil
}

func (e *GlareRecoveryFailure) Error() string {
	if e.Recovered() {
		return fmt.Sprintf("glare rollback failed, recovered by installing remote offer (rollback: %v, install: %v)", e.RollbackErr, e.InstallErr)
	}
	return fmt.Sprintf("glare recovery failed (rollback: %v, install: %v, fallback: %v)", e.RollbackErr, e.InstallErr, e.FallbackErr)
}

func (e *GlareRecoveryFailure) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.RollbackErr, e.InstallErr, e.FallbackErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
