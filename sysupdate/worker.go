package sysupdate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/sys/unix"
)

// JobVerb is the worker verb a job invokes. describe reuses the "list"
// worker verb scoped to a version, per spec.md §4.1/§3.
type JobVerb string

const (
	VerbList      JobVerb = "list"
	VerbCheckNew  JobVerb = "check-new"
	VerbUpdate    JobVerb = "update"
	VerbVacuum    JobVerb = "vacuum"
	VerbComponent JobVerb = "components"
)

// spawnSpec describes one asynchronous worker invocation (C1, spec.md §4.1).
type spawnSpec struct {
	Target  *Target
	Verb    JobVerb
	Version string // used by describe (as the "list" version arg) and update
	Offline bool
}

// RunningWorker is a spawned worker process together with its captured
// stdout, readable once the process has exited.
type RunningWorker struct {
	Cmd    *exec.Cmd
	Stdout *os.File
}

// WorkerRunner is the C1 contract: spawn a worker asynchronously, or run one
// of the low-latency side-effect-free verbs synchronously. Production code
// uses execWorkerRunner; tests substitute a fake.
type WorkerRunner interface {
	Spawn(spec spawnSpec) (*RunningWorker, error)
	RunSimple(t *Target, verb JobVerb, offline bool) (*document, error)
	RunComponents(t *Target) (*componentsDocument, error)
}

// execWorkerRunner spawns the real systemd-sysupdate worker binary.
type execWorkerRunner struct {
	logger hclog.Logger
}

// NewExecWorkerRunner builds the production WorkerRunner that spawns the
// real systemd-sysupdate binary.
func NewExecWorkerRunner(logger hclog.Logger) WorkerRunner {
	return &execWorkerRunner{logger: logger.Named("worker")}
}

// buildArgv constructs the worker argument vector per spec.md §4.1/§6:
// binary, --json=short, optional --verify=no, the target-scoping argument,
// optional --offline, the verb, and an optional version.
func buildArgv(binary string, spec spawnSpec) ([]string, error) {
	argv := []string{binary, "--json=short"}

	if WorkerNoVerify() {
		argv = append(argv, "--verify=no")
	}

	if spec.Target != nil {
		arg, err := spec.Target.argument()
		if err != nil {
			return nil, err
		}
		if arg != "" {
			argv = append(argv, arg)
		}
	}

	if spec.Offline {
		argv = append(argv, "--offline")
	}

	switch spec.Verb {
	case VerbList:
		argv = append(argv, "list")
		if spec.Version != "" {
			argv = append(argv, spec.Version)
		}
	case VerbCheckNew:
		argv = append(argv, "check-new")
	case VerbUpdate:
		argv = append(argv, "update")
		if spec.Version != "" {
			argv = append(argv, spec.Version)
		}
	case VerbVacuum:
		argv = append(argv, "vacuum")
	case VerbComponent:
		argv = append(argv, "components")
	default:
		return nil, fmt.Errorf("unknown worker verb %q", spec.Verb)
	}

	return argv, nil
}

// workerEnviron builds the environment passed to the worker: the caller's
// environment, with NOTIFY_SOCKET forced to the listener path and
// SYSTEMD_EXEC_PID/SYSUPDATE_INVOCATION_ID refreshed, matching spec.md §4.1's
// "controlled environment with one override".
func workerEnviron() []string {
	env := os.Environ()
	env = setEnv(env, EnvNotifySocket, RuntimeDirectory()+"/notify")
	env = setEnv(env, EnvExecPID, strconv.Itoa(os.Getpid()))
	if id, err := uuid.GenerateUUID(); err == nil {
		env = setEnv(env, EnvInvocationID, id)
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// Spawn starts the worker asynchronously, capturing its stdout into a
// memfd-backed file the way the reference daemon captures into an anonymous
// sealed memfd (spec.md §4.1: "seekable in-memory buffer"). Only stdout,
// stderr, and the environment survive into the child; stdin is not
// connected.
func (r *execWorkerRunner) Spawn(spec spawnSpec) (*RunningWorker, error) {
	binary := WorkerBinaryPath()
	argv, err := buildArgv(binary, spec)
	if err != nil {
		return nil, fmt.Errorf("build worker argv: %w", err)
	}

	fd, err := unix.MemfdCreate("sysupdate-stdout", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create memfd: %w", err)
	}
	stdout := os.NewFile(uintptr(fd), "sysupdate-stdout")

	cmd := exec.Command(binary, argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = os.Stderr
	cmd.Env = workerEnviron()

	r.logger.Debug("spawning worker", "argv", argv)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	return &RunningWorker{Cmd: cmd, Stdout: stdout}, nil
}

// readCapturedStdout seeks a spawned worker's memfd back to the start and
// reads its full contents, once the process has exited.
func readCapturedStdout(f *os.File) ([]byte, error) {
	defer f.Close()
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek captured stdout: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("read captured stdout: %w", err)
	}
	return buf.Bytes(), nil
}

// RunSimple runs a worker verb synchronously to completion and parses its
// stdout. It is used only for the low-latency, side-effect-free verbs
// (components, --offline list) per spec.md §4.1.
func (r *execWorkerRunner) RunSimple(t *Target, verb JobVerb, offline bool) (*document, error) {
	binary := WorkerBinaryPath()
	argv, err := buildArgv(binary, spawnSpec{Target: t, Verb: verb, Offline: offline})
	if err != nil {
		return nil, fmt.Errorf("build worker argv: %w", err)
	}

	ctx := context.Background()
	cmd := exec.CommandContext(ctx, binary, argv[1:]...)
	cmd.Stdin = nil
	cmd.Stderr = os.Stderr
	cmd.Env = workerEnviron()

	r.logger.Debug("running worker synchronously", "argv", argv)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run worker %s: %w", verb, err)
	}

	return parseDocument(out)
}

// RunComponents is the synchronous "components" verb used during target
// enumeration (spec.md §4.4). A nil target means "no target scope" (the
// bare host/component probe).
func (r *execWorkerRunner) RunComponents(t *Target) (*componentsDocument, error) {
	doc, err := r.RunSimple(t, VerbComponent, false)
	if err != nil {
		return nil, err
	}
	return doc.asComponentsDocument()
}
