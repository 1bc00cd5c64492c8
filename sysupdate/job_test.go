package sysupdate

import (
	"errors"
	"os/exec"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
)

func newTestTarget() *Target {
	return &Target{Class: ClassHost, Name: "host", ID: "host"}
}

// fakeSpawnRunner is a minimal WorkerRunner whose Spawn always "succeeds"
// without touching a real process, for exercising Job.start's busy-acquire
// logic in isolation.
type fakeSpawnRunner struct{}

func (fakeSpawnRunner) Spawn(spawnSpec) (*RunningWorker, error) {
	return &RunningWorker{Cmd: &exec.Cmd{}}, nil
}
func (fakeSpawnRunner) RunSimple(*Target, JobVerb, bool) (*document, error) { return nil, nil }
func (fakeSpawnRunner) RunComponents(*Target) (*componentsDocument, error) { return nil, nil }

func TestTargetTryAcquireRelease(t *testing.T) {
	target := newTestTarget()
	if !target.tryAcquire() {
		t.Fatal("expected first tryAcquire to succeed")
	}
	if target.tryAcquire() {
		t.Fatal("expected second tryAcquire to fail while busy")
	}
	target.release()
	if !target.tryAcquire() {
		t.Fatal("expected tryAcquire to succeed again after release")
	}
}

func TestJobStartRejectsConcurrentUpdateOnSameTarget(t *testing.T) {
	target := newTestTarget()
	runner := fakeSpawnRunner{}

	const n = 8
	jobs := make([]*Job, n)
	for i := range jobs {
		jobs[i] = newJob(uint64(i+1), JobUpdate, target, nil, nil)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j *Job) {
			defer wg.Done()
			errs[i] = j.start(runner)
		}(i, j)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, errTargetBusy) {
			t.Errorf("unexpected start error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly 1 job to acquire the target, got %d", succeeded)
	}
}

func TestJobStartAllowsListOnBusyTarget(t *testing.T) {
	target := newTestTarget()
	target.busy = true
	j := newJob(1, JobList, target, nil, nil)
	if err := j.start(fakeSpawnRunner{}); err != nil {
		t.Errorf("unexpected error starting list job on busy target: %v", err)
	}
}

func TestJobOnProgressInvokesCallback(t *testing.T) {
	j := newJob(1, JobUpdate, newTestTarget(), nil, nil)
	var seen uint32
	calls := 0
	j.onPropertyChanged = func(job *Job) {
		calls++
		seen = job.progress()
	}
	j.onProgress(42)
	if calls != 1 {
		t.Errorf("onPropertyChanged called %d times, want 1", calls)
	}
	if seen != 42 {
		t.Errorf("progress = %d, want 42", seen)
	}
}

func TestJobOnReadyDetachesAndReplies(t *testing.T) {
	j := newJob(1, JobUpdate, newTestTarget(), nil, nil)
	j.state = stateRunning
	j.Version = "2.0"

	var gotReply interface{}
	var gotErr *dbus.Error
	replied := false
	j.reply = func(reply interface{}, rerr *dbus.Error) {
		replied = true
		gotReply, gotErr = reply, rerr
	}
	j.detachCb = func(job *Job) (interface{}, *dbus.Error) {
		return job.Version, nil
	}

	j.onReady()

	if !replied {
		t.Fatal("expected reply to be invoked")
	}
	if gotErr != nil {
		t.Errorf("unexpected error reply: %v", gotErr)
	}
	if gotReply != "2.0" {
		t.Errorf("reply = %v, want 2.0", gotReply)
	}
	if j.state != stateDetached {
		t.Errorf("state = %v, want stateDetached", j.state)
	}
	if j.completeCb != nil {
		t.Error("expected completeCb to be cleared after detach")
	}
}

func TestJobOnReadyIgnoredWithoutDetachCb(t *testing.T) {
	j := newJob(1, JobList, newTestTarget(), nil, nil)
	j.state = stateRunning
	j.onReady()
	if j.state != stateRunning {
		t.Errorf("state changed to %v despite no detachCb", j.state)
	}
}

func TestNoUpdateCandidateCompletionReturnsDistinguishedError(t *testing.T) {
	j := newJob(1, JobUpdate, newTestTarget(), nil, nil)
	reply, rerr := noUpdateCandidateCompletion(j, nil)
	if reply != nil {
		t.Errorf("expected nil reply, got %v", reply)
	}
	if rerr == nil || rerr.Name != ErrNameNoUpdateCandidate {
		t.Errorf("rerr = %v, want %s", rerr, ErrNameNoUpdateCandidate)
	}
}

func TestJobCancelActionMapping(t *testing.T) {
	cases := []struct {
		jobType JobType
		version string
		want    string
	}{
		{JobUpdate, "", ActionUpdate},
		{JobUpdate, "2.0", ActionUpdateToVersion},
		{JobVacuum, "", ActionVacuum},
		{JobList, "", ActionCheck},
		{JobCheckNew, "", ActionCheck},
	}
	for _, c := range cases {
		j := &Job{Type: c.jobType, Version: c.version}
		if got := j.cancelAction(); got != c.want {
			t.Errorf("cancelAction(%v, %q) = %q, want %q", c.jobType, c.version, got, c.want)
		}
	}
}

func TestClassifyExitNilError(t *testing.T) {
	j := &Job{}
	status, rerr := j.classifyExit(nil)
	if status != 0 || rerr != nil {
		t.Errorf("classifyExit(nil) = (%d, %v), want (0, nil)", status, rerr)
	}
}

func TestClassifyExitNonExitError(t *testing.T) {
	j := &Job{}
	status, rerr := j.classifyExit(errors.New("boom"))
	if status != -1 {
		t.Errorf("status = %d, want -1", status)
	}
	if rerr == nil || rerr.Name != ErrNameWorkerFailed {
		t.Errorf("rerr = %v, want %s", rerr, ErrNameWorkerFailed)
	}
}
