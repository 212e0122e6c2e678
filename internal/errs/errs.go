// Package errs holds domain sentinel errors and the Warning type used by
// the command layer for validation failures that were already reported to
// the user.
package errs

import "errors"

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrStreamNotFound  = errors.New("stream not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session full")
	ErrStreamFull      = errors.New("stream full")
	ErrNotHost         = errors.New("member is not an approved host")
	ErrHostBusy        = errors.New("host already has an upcoming stream")
	ErrSignupsClosed   = errors.New("signups have not started")
)

// Warning marks an error as user-facing: the triggering command has already
// replied with a rejection notice, so outer layers log it at low severity
// and do not report it again.
type Warning struct {
	Reason string
}

func (w *Warning) Error() string { return w.Reason }

func Warn(reason string) error { return &Warning{Reason: reason} }

// IsWarning reports whether err (or anything it wraps) is a Warning.
func IsWarning(err error) bool {
	var w *Warning
	return errors.As(err, &w)
}
