package result

import (
	"errors"
	"fmt"
)

// Kind classifies a failure recorded on a phase, step or invocation.
type Kind string

const (
	// Install phase.
	KindDownloadFailed   Kind = "DownloadFailed"
	KindArtifactNotFound Kind = "ArtifactNotFound"
	KindConversionFailed Kind = "ConversionFailed"
	KindTimeout          Kind = "Timeout"

	// Register phase.
	KindRegistrationRejected    Kind = "RegistrationRejected"
	KindRegistrationUnreachable Kind = "RegistrationUnreachable"

	// Invoke phase.
	KindInvocationHTTPError Kind = "InvocationHttpError"
	KindInvocationTimeout   Kind = "InvocationTimeout"

	// Server lifecycle.
	KindStartupTimeout   Kind = "StartupTimeout"
	KindCrashedOnStartup Kind = "CrashedOnStartup"
	KindCrashedMidRun    Kind = "CrashedMidRun"

	// Resource phase.
	KindSamplingUnavailable Kind = "SamplingUnavailable"

	// Workload phase.
	KindNoTestPlan Kind = "NoTestPlan"
)

// Error is a classified failure. Status is set for HTTP errors and Stderr
// carries the tail of the runtime's stderr when the process died.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Stderr  []string
	Err     error
}

// Errorf builds a classified error wrapping cause (which may be nil).
func Errorf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or "" if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

// StderrOf returns the stderr tail attached to err, if any.
func StderrOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stderr
	}

	return nil
}
