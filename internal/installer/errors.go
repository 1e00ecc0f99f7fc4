package installer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSetupNotFound is returned when the installer binary is missing.
var ErrSetupNotFound = errors.New("installer binary not found")

// ErrPermissionDenied is returned when the privileged executor refuses to run.
var ErrPermissionDenied = errors.New("permission denied by privileged executor")

// ErrInstallBusy is returned when an install is requested while one is already
// in flight. The underlying installer is a single exclusive system resource.
var ErrInstallBusy = errors.New("an installation is already in progress")

// ErrInstallStalled is returned when the installer stops producing output for
// longer than the stall timeout.
var ErrInstallStalled = errors.New("installer produced no output and appears stalled")

// ErrCancelled is returned when an install is cancelled by the caller.
var ErrCancelled = errors.New("installation cancelled")

// InstallError is a terminal installation failure. LogExcerpt, when present,
// carries deduplicated fatal lines (or trailing context) from the installer
// log so the operator can self-diagnose.
type InstallError struct {
	Message          string
	ExitCode         int
	LogExcerpt       []string
	RemediationTried bool
	Err              error
}

func (e *InstallError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.RemediationTried {
		b.WriteString("; an automatic remediation attempt was already made")
	}
	if len(e.LogExcerpt) > 0 {
		fmt.Fprintf(&b, " (see %d log line(s))", len(e.LogExcerpt))
	}
	return b.String()
}

func (e *InstallError) Unwrap() error { return e.Err }

// autoFixNeeded is an internal signal: the installer exited with the one known
// transient code and a remediation attempt is allowed.
type autoFixNeeded struct {
	code int
}

func (e *autoFixNeeded) Error() string {
	return fmt.Sprintf("installer requested remediation (exit code %d)", e.code)
}
