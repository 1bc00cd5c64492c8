package sysupdate

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
)

// errTargetBusy is returned by start when an update/vacuum job loses the
// race to acquire its target (spec.md §8's at-most-one-outstanding
// invariant).
var errTargetBusy = errors.New("target busy")

// JobType is the kind of worker invocation a Job models (spec.md §3).
type JobType string

const (
	JobList     JobType = "list"
	JobDescribe JobType = "describe"
	JobCheckNew JobType = "check-new"
	JobUpdate   JobType = "update"
	JobVacuum   JobType = "vacuum"
)

// jobState is the per-job lifecycle state spec.md §4.3's state machine
// names: created -> running -> (detached) -> exiting -> freed.
type jobState int

const (
	stateCreated jobState = iota
	stateRunning
	stateDetached
	stateExiting
)

// completionFunc computes the RPC reply from a job's parsed worker output.
// It runs when the job's worker exits successfully and is never used again
// once a job has detached.
type completionFunc func(j *Job, doc *document) (reply interface{}, rerr *dbus.Error)

// detachFunc is invoked the moment a job signals readiness. Only update
// jobs set one; its return value becomes the reply sent to the originating
// RPC immediately, taking over from completionFunc, which is cleared.
type detachFunc func(j *Job) (reply interface{}, rerr *dbus.Error)

// replyFunc delivers a Job's RPC reply or error back to whatever is holding
// the originating D-Bus method call open.
type replyFunc func(reply interface{}, rerr *dbus.Error)

// Job is one in-flight or completed worker invocation (spec.md §3/§4.3).
type Job struct {
	ID         uint64
	ObjectPath dbus.ObjectPath
	Type       JobType
	Offline    bool
	Version    string

	mu              sync.Mutex
	state           jobState
	progressPercent uint32
	statusErrno     int
	cancelCount     uint

	target *Target
	worker *RunningWorker

	reply      replyFunc
	completeCb completionFunc
	detachCb   detachFunc

	onPropertyChanged func(j *Job)
	onExit            func(j *Job, status int32, detached bool)
}

// newJob allocates a Job. The target busy-check happens atomically in
// start, not here — checking it at this point and marking it in start
// would leave a gap for two concurrent RPCs on the same target to both
// pass the check before either marks it busy.
func newJob(id uint64, jobType JobType, target *Target, reply replyFunc, complete completionFunc) *Job {
	return &Job{
		ID:         id,
		ObjectPath: dbus.ObjectPath(fmt.Sprintf("%s/_%d", JobObjectPrefix, id)),
		Type:       jobType,
		target:     target,
		reply:      reply,
		completeCb: complete,
		state:      stateCreated,
	}
}

// start spawns the worker for this job. For update and vacuum jobs it first
// atomically acquires the owning target, returning errTargetBusy if another
// job already holds it; the target is released again if the spawn itself
// then fails. The caller (Manager.spawnJob) is responsible for waiting on
// the worker and passing its exit to onChildExit.
func (j *Job) start(runner WorkerRunner) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	exclusive := j.Type == JobUpdate || j.Type == JobVacuum
	if exclusive {
		if !j.target.tryAcquire() {
			return errTargetBusy
		}
	}

	verb := jobVerb(j.Type)
	spec := spawnSpec{Target: j.target, Verb: verb, Version: j.Version, Offline: j.Offline}

	worker, err := runner.Spawn(spec)
	if err != nil {
		if exclusive {
			j.target.release()
		}
		return err
	}

	j.worker = worker
	j.state = stateRunning

	return nil
}

// noUpdateCandidateCompletion is the default completion for update jobs:
// reaching here means the worker exited successfully without ever sending
// READY=1, which spec.md §3/§4.3 defines as "no update candidate" rather
// than an ordinary completion with output to parse.
func noUpdateCandidateCompletion(j *Job, doc *document) (interface{}, *dbus.Error) {
	return nil, noUpdateCandidateError()
}

func jobVerb(t JobType) JobVerb {
	switch t {
	case JobList, JobDescribe:
		return VerbList
	case JobCheckNew:
		return VerbCheckNew
	case JobUpdate:
		return VerbUpdate
	case JobVacuum:
		return VerbVacuum
	default:
		return VerbList
	}
}

// pid returns the worker's process id, used by the notify listener to match
// incoming datagrams to a job.
func (j *Job) pid() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.worker == nil || j.worker.Cmd.Process == nil {
		return 0
	}
	return j.worker.Cmd.Process.Pid
}

// onVersion records a version string reported over the notify socket.
func (j *Job) onVersion(version string) {
	j.mu.Lock()
	j.Version = version
	j.mu.Unlock()
}

// onProgress records a progress percentage in [0,100]. Callers must have
// already range-checked the value; out-of-range values are rejected by the
// notify listener before reaching here.
func (j *Job) onProgress(percent uint32) {
	j.mu.Lock()
	j.progressPercent = percent
	cb := j.onPropertyChanged
	j.mu.Unlock()
	if cb != nil {
		cb(j)
	}
}

// progress returns the current progress percentage.
func (j *Job) progress() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progressPercent
}

// onErrno records the worker-reported errno for later reporting at exit.
func (j *Job) onErrno(errno int) {
	j.mu.Lock()
	j.statusErrno = errno
	j.mu.Unlock()
}

// onReady processes a READY=1 notification. If this job has a detach
// callback, the originating RPC is replied to now and the job transitions
// to detached; completeCb is cleared since it will never run.
func (j *Job) onReady() {
	j.mu.Lock()
	if j.detachCb == nil || j.state != stateRunning {
		j.mu.Unlock()
		return
	}
	cb := j.detachCb
	reply := j.reply
	j.completeCb = nil
	j.state = stateDetached
	j.mu.Unlock()

	out, rerr := cb(j)
	if reply != nil {
		reply(out, rerr)
	}
}

// cancel escalates SIGTERM for the first three cancellation requests, then
// SIGKILL, per spec.md §4.3/§5.
func (j *Job) cancel() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.worker == nil || j.worker.Cmd.Process == nil {
		return fmt.Errorf("job %d has no running worker", j.ID)
	}

	sig := syscall.SIGTERM
	if j.cancelCount >= 3 {
		sig = syscall.SIGKILL
	}
	j.cancelCount++

	return j.worker.Cmd.Process.Signal(sig)
}

// cancelAction returns the policy-engine action name authorizing Cancel,
// which depends on the job's type and, for update, whether a specific
// version was requested (spec.md §4.3).
func (j *Job) cancelAction() string {
	switch j.Type {
	case JobUpdate:
		if j.Version != "" {
			return ActionUpdateToVersion
		}
		return ActionUpdate
	case JobVacuum:
		return ActionVacuum
	default:
		return ActionCheck
	}
}

// onChildExit runs once the worker process has exited. It parses captured
// output, replies to a still-pending RPC (for non-detached jobs), and
// reports the final disposition for detached jobs via the caller-supplied
// onExit hook (which emits JobRemoved).
func (j *Job) onChildExit(waitErr error) {
	j.mu.Lock()
	if j.Type == JobUpdate || j.Type == JobVacuum {
		j.target.release()
	}
	detached := j.state == stateDetached
	completeCb := j.completeCb
	reply := j.reply
	stdout := j.worker.Stdout
	statusErrno := j.statusErrno
	j.state = stateExiting
	j.mu.Unlock()

	status, rerr := j.classifyExit(waitErr)

	if detached {
		if j.onExit != nil {
			st := status
			if statusErrno != 0 {
				st = int32(-statusErrno)
			}
			j.onExit(j, st, true)
		}
		return
	}

	if rerr != nil {
		if reply != nil {
			reply(nil, rerr)
		}
		return
	}

	raw, readErr := readCapturedStdout(stdout)
	if readErr != nil {
		if reply != nil {
			reply(nil, badOutputError(string(j.Type), readErr.Error()))
		}
		return
	}
	doc, perr := parseDocument(raw)
	if perr != nil {
		if reply != nil {
			reply(nil, badOutputError(string(j.Type), perr.Error()))
		}
		return
	}

	if completeCb == nil {
		return
	}
	out, cerr := completeCb(j, doc)
	if reply != nil {
		reply(out, cerr)
	}
}

// classifyExit turns a wait error into the bus error spec.md §4.3
// prescribes: signal-based failure, nonzero-exit failure, or nil (proceed to
// parse output). The returned int32 is the raw exit code, the negative
// worker-reported errno, or the negative signal number, used to build
// JobRemoved's status for detached jobs.
func (j *Job) classifyExit(waitErr error) (int32, *dbus.Error) {
	if waitErr == nil {
		return 0, nil
	}
	exitErr, isExitErr := waitErr.(*exec.ExitError)
	if !isExitErr {
		return -1, workerExitError(-1)
	}
	if wasSignaled(exitErr) {
		sig := signalFromExitError(exitErr)
		return int32(-sig), workerSignalError(sig.String())
	}
	code := exitErr.ExitCode()
	j.mu.Lock()
	errno := j.statusErrno
	j.mu.Unlock()
	if errno != 0 {
		return int32(-errno), workerErrnoError(errno)
	}
	return int32(code), workerExitError(code)
}

func wasSignaled(exitErr *exec.ExitError) bool {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}

func signalFromExitError(exitErr *exec.ExitError) syscall.Signal {
	ws, _ := exitErr.Sys().(syscall.WaitStatus)
	return ws.Signal()
}
