package sysupdate

import (
	"os"
	"strconv"
)

// Environment variables recognized by the daemon and the worker it spawns.
const (
	EnvWorkerPath       = "SYSTEMD_SYSUPDATE_PATH"
	EnvWorkerNoVerify   = "SYSTEMD_SYSUPDATE_NO_VERIFY"
	EnvRuntimeDirectory = "SYSUPDATED_RUNTIME_DIRECTORY"
	EnvLogLevel         = "SYSUPDATED_LOG_LEVEL"
	EnvNotifySocket     = "NOTIFY_SOCKET"
	EnvExecPID          = "SYSTEMD_EXEC_PID"
	EnvInvocationID     = "SYSUPDATE_INVOCATION_ID"
)

// DefaultWorkerBinary is used when EnvWorkerPath is unset, matching the
// compile-time default of the reference worker invocation.
const DefaultWorkerBinary = "systemd-sysupdate"

// DefaultRuntimeDirectory is where the notify socket is bound by default.
const DefaultRuntimeDirectory = "/run/systemd/sysupdate"

// WorkerBinaryPath returns the worker binary to invoke, honoring the
// environment override.
func WorkerBinaryPath() string {
	if p := os.Getenv(EnvWorkerPath); p != "" {
		return p
	}
	return DefaultWorkerBinary
}

// WorkerNoVerify reports whether the worker should be invoked with
// --verify=no, per the recognized boolean environment variable.
func WorkerNoVerify() bool {
	return envBool(os.Getenv(EnvWorkerNoVerify))
}

// RuntimeDirectory returns the directory the notify socket is bound under.
func RuntimeDirectory() string {
	if d := os.Getenv(EnvRuntimeDirectory); d != "" {
		return d
	}
	return DefaultRuntimeDirectory
}

func envBool(v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// systemd's getenv_bool also accepts "yes"/"no"; mirror that loosely.
		return v == "yes" || v == "y" || v == "on"
	}
	return b
}
