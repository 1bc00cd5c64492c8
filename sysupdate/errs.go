package sysupdate

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/godbus/dbus/v5"
)

// D-Bus error names returned at the IPC boundary (spec.md §7).
const (
	ErrNameInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameBusy              = "org.freedesktop.sysupdate1.Error.AlreadyInProgress"
	ErrNameNoUpdateCandidate = "org.freedesktop.sysupdate1.Error.NoUpdateCandidate"
	ErrNameWorkerFailed      = "org.freedesktop.sysupdate1.Error.WorkerFailed"
	ErrNameBadWorkerOutput   = "org.freedesktop.sysupdate1.Error.BadWorkerOutput"
	ErrNameAuthDenied        = "org.freedesktop.DBus.Error.AccessDenied"
)

// invalidArgsError builds the D-Bus error for malformed method arguments.
func invalidArgsError(format string, args ...interface{}) *dbus.Error {
	return &dbus.Error{Name: ErrNameInvalidArgs, Body: []interface{}{fmt.Sprintf(format, args...)}}
}

// busyError builds the D-Bus error for a target already running an
// update-or-vacuum job.
func busyError(targetID string) *dbus.Error {
	return &dbus.Error{Name: ErrNameBusy, Body: []interface{}{
		fmt.Sprintf("Target %s busy, ignoring job.", targetID),
	}}
}

// noUpdateCandidateError is the distinguished reply for an update worker
// that exited successfully without performing any work.
func noUpdateCandidateError() *dbus.Error {
	return &dbus.Error{Name: ErrNameNoUpdateCandidate, Body: []interface{}{
		"Job exited successfully with no work to do, assume already updated",
	}}
}

// workerSignalError reports an abnormal worker termination by signal.
func workerSignalError(signalName string) *dbus.Error {
	return &dbus.Error{Name: ErrNameWorkerFailed, Body: []interface{}{
		fmt.Sprintf("Job terminated abnormally with signal %s.", signalName),
	}}
}

// workerExitError reports a non-zero worker exit with no reported errno.
func workerExitError(code int) *dbus.Error {
	return &dbus.Error{Name: ErrNameWorkerFailed, Body: []interface{}{
		fmt.Sprintf("Job failed with exit code %d.", code),
	}}
}

// workerErrnoError reports a worker-supplied errno as the failure reason.
func workerErrnoError(errno int) *dbus.Error {
	return &dbus.Error{Name: ErrNameWorkerFailed, Body: []interface{}{
		fmt.Sprintf("Job failed: %s", errnoString(errno)),
	}}
}

// badOutputError reports stdout that failed to parse or was missing a
// required key.
func badOutputError(verb, reason string) *dbus.Error {
	return &dbus.Error{Name: ErrNameBadWorkerOutput, Body: []interface{}{
		fmt.Sprintf("Invalid JSON response from worker verb %q: %s", verb, reason),
	}}
}

// synchronousWorkerError maps a failure from a synchronous, non-Job worker
// invocation (RunSimple) to the same WorkerFailed error family classifyExit
// produces for job-backed workers.
func synchronousWorkerError(verb JobVerb, err error) *dbus.Error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &dbus.Error{Name: ErrNameWorkerFailed, Body: []interface{}{
			fmt.Sprintf("Failed to run worker verb %q: %s", verb, err),
		}}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return workerSignalError(ws.Signal().String())
	}
	return workerExitError(exitErr.ExitCode())
}

func errnoString(errno int) string {
	return fmt.Sprintf("%s (errno %d)", syscall.Errno(errno).Error(), errno)
}
