package sysupdate

import (
	"github.com/godbus/dbus/v5"
)

// asyncResult carries a job's eventual RPC reply across the channel the
// blocking D-Bus method handlers below wait on.
type asyncResult struct {
	reply interface{}
	err   *dbus.Error
}

// runSyncJob spawns a job whose RPC reply is produced only once its worker
// exits (list/describe/check-new/vacuum never detach). The calling goroutine — one per inbound D-Bus method call —
// blocks until that happens, which is this module's substitute for sd-bus's
// explicit "reply now, or reply later" choice: every method call already
// runs off its own goroutine, so parking it is equivalent to detaching and
// costs nothing but a goroutine.
func (m *Manager) runSyncJob(jobType JobType, target *Target, version string, offline bool, complete completionFunc) (interface{}, *dbus.Error) {
	ch := make(chan asyncResult, 1)
	reply := func(r interface{}, e *dbus.Error) { ch <- asyncResult{r, e} }
	if _, rerr := m.spawnJob(jobType, target, version, offline, reply, complete, nil); rerr != nil {
		return nil, rerr
	}
	res := <-ch
	return res.reply, res.err
}

// runDetachableJob spawns an update job, whose RPC reply is produced as
// soon as the worker reports READY=1 (or, if it never does, once it exits).
func (m *Manager) runDetachableJob(jobType JobType, target *Target, version string, offline bool, detach detachFunc) (interface{}, *dbus.Error) {
	ch := make(chan asyncResult, 1)
	reply := func(r interface{}, e *dbus.Error) { ch <- asyncResult{r, e} }
	if _, rerr := m.spawnJob(jobType, target, version, offline, reply, nil, detach); rerr != nil {
		return nil, rerr
	}
	res := <-ch
	return res.reply, res.err
}

// authorize resolves the sender's policy decision for action, building the
// minimal dbus.Message an Authorizer needs (the sender field) since godbus's
// reflection-based Export only ever hands a handler the caller's bus name.
func (m *Manager) authorize(sender dbus.Sender, action string, details map[string]string) *dbus.Error {
	msg := dbus.Message{
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldSender: dbus.MakeVariant(string(sender)),
		},
	}
	if err := m.authz.Authorize(msg, action, details); err != nil {
		return &dbus.Error{Name: ErrNameAuthDenied, Body: []interface{}{err.Error()}}
	}
	return nil
}

// managerObject is exported at ManagerObjectPath and implements
// IfaceManager's root methods.
type managerObject struct {
	m *Manager
}

type targetSummary struct {
	Class string
	Name  string
	Path  dbus.ObjectPath
}

type jobSummary struct {
	Id       uint64
	Type     string
	Progress uint32
	Path     dbus.ObjectPath
}

// ListTargets enumerates every currently known target (spec.md §4.4).
func (o *managerObject) ListTargets() ([]targetSummary, *dbus.Error) {
	if err := o.m.targets.ensure(); err != nil {
		return nil, invalidArgsError("enumerate targets: %s", err)
	}
	targets := o.m.targets.list()
	out := make([]targetSummary, 0, len(targets))
	for _, t := range targets {
		if err := o.m.exportTargetObject(t); err != nil {
			o.m.logger.Warn("failed to export target object", "id", t.ID, "error", err)
		}
		out = append(out, targetSummary{Class: string(t.Class), Name: t.Name, Path: t.busPath()})
	}
	return out, nil
}

// ListJobs enumerates every currently outstanding job.
func (o *managerObject) ListJobs() ([]jobSummary, *dbus.Error) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	out := make([]jobSummary, 0, len(o.m.jobs))
	for _, j := range o.m.jobs {
		out = append(out, jobSummary{Id: j.ID, Type: string(j.Type), Progress: j.progress(), Path: j.ObjectPath})
	}
	return out, nil
}

// targetObject is exported at each discovered target's object path and
// implements IfaceTarget's methods (spec.md §4.1/§4.4).
type targetObject struct {
	m *Manager
	t *Target
}

func (o *targetObject) authDetails(extra map[string]string) map[string]string {
	d := map[string]string{"class": string(o.t.Class), "name": o.t.Name}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

// List runs the worker's "list" verb and returns its output re-serialized
// as JSON (spec.md §4.1's Describe/List contract).
func (o *targetObject) List(flags uint64, sender dbus.Sender) (string, *dbus.Error) {
	if flags&^flagsAll != 0 {
		return "", invalidArgsError("unsupported flags %#x", flags)
	}
	if rerr := o.m.authorize(sender, ActionCheck, o.authDetails(nil)); rerr != nil {
		return "", rerr
	}
	offline := flags&FlagOffline != 0
	reply, rerr := o.m.runSyncJob(JobList, o.t, "", offline, func(j *Job, doc *document) (interface{}, *dbus.Error) {
		js, err := doc.reserialize()
		if err != nil {
			return nil, badOutputError("list", err.Error())
		}
		return js, nil
	})
	if rerr != nil {
		return "", rerr
	}
	return reply.(string), nil
}

// Describe runs the worker's "list" verb scoped to a single version.
func (o *targetObject) Describe(version string, flags uint64, sender dbus.Sender) (string, *dbus.Error) {
	if version == "" {
		return "", invalidArgsError("version must not be empty")
	}
	if flags&^flagsAll != 0 {
		return "", invalidArgsError("unsupported flags %#x", flags)
	}
	if rerr := o.m.authorize(sender, ActionCheck, o.authDetails(map[string]string{"version": version})); rerr != nil {
		return "", rerr
	}
	offline := flags&FlagOffline != 0
	reply, rerr := o.m.runSyncJob(JobDescribe, o.t, version, offline, func(j *Job, doc *document) (interface{}, *dbus.Error) {
		js, err := doc.reserialize()
		if err != nil {
			return nil, badOutputError("describe", err.Error())
		}
		return js, nil
	})
	if rerr != nil {
		return "", rerr
	}
	return reply.(string), nil
}

// CheckNew runs the worker's "check-new" verb and returns the discovered
// version string, or the empty string if none is available.
func (o *targetObject) CheckNew(sender dbus.Sender) (string, *dbus.Error) {
	if rerr := o.m.authorize(sender, ActionCheck, o.authDetails(nil)); rerr != nil {
		return "", rerr
	}
	reply, rerr := o.m.runSyncJob(JobCheckNew, o.t, "", false, func(j *Job, doc *document) (interface{}, *dbus.Error) {
		avail, err := doc.asAvailable()
		if err != nil {
			return nil, badOutputError("check-new", err.Error())
		}
		if avail == nil {
			return "", nil
		}
		return *avail, nil
	})
	if rerr != nil {
		return "", rerr
	}
	return reply.(string), nil
}

// Update starts an update job, optionally pinned to a specific version, and
// blocks until the worker reports readiness (or exits without ever doing
// so), returning the version actually applied along with the job's id and
// object path for progress tracking.
func (o *targetObject) Update(version string, flags uint64, sender dbus.Sender) (string, uint64, dbus.ObjectPath, *dbus.Error) {
	if flags&^flagsAll != 0 {
		return "", 0, "/", invalidArgsError("unsupported flags %#x", flags)
	}
	action := ActionUpdate
	if version != "" {
		action = ActionUpdateToVersion
	}
	if rerr := o.m.authorize(sender, action, o.authDetails(map[string]string{"version": version})); rerr != nil {
		return "", 0, "/", rerr
	}
	offline := flags&FlagOffline != 0

	var jobID uint64
	var jobPath dbus.ObjectPath
	reply, rerr := o.m.runDetachableJob(JobUpdate, o.t, version, offline, func(j *Job) (interface{}, *dbus.Error) {
		jobID, jobPath = j.ID, j.ObjectPath
		return j.Version, nil
	})
	if rerr != nil {
		return "", 0, "/", rerr
	}
	return reply.(string), jobID, jobPath, nil
}

// Vacuum runs the worker's "vacuum" verb and returns the number of old
// instances it removed.
func (o *targetObject) Vacuum(sender dbus.Sender) (uint64, *dbus.Error) {
	if rerr := o.m.authorize(sender, ActionVacuum, o.authDetails(nil)); rerr != nil {
		return 0, rerr
	}
	reply, rerr := o.m.runSyncJob(JobVacuum, o.t, "", false, func(j *Job, doc *document) (interface{}, *dbus.Error) {
		removed, err := doc.asRemoved()
		if err != nil {
			return nil, badOutputError("vacuum", err.Error())
		}
		return removed, nil
	})
	if rerr != nil {
		return 0, rerr
	}
	return reply.(uint64), nil
}

// GetAppStream returns the AppStream metadata URLs the target's most recent
// "list" output advertised. This runs the "list" verb synchronously and
// offline (spec.md §4.1): it reports on already-discovered state and must
// never spawn a tracked, network-capable Job the way Update/Vacuum do.
func (o *targetObject) GetAppStream(sender dbus.Sender) ([]string, *dbus.Error) {
	if rerr := o.m.authorize(sender, ActionCheck, o.authDetails(nil)); rerr != nil {
		return nil, rerr
	}
	doc, err := o.m.runner.RunSimple(o.t, VerbList, true)
	if err != nil {
		return nil, synchronousWorkerError(VerbList, err)
	}
	ld, err := doc.asListDocument()
	if err != nil {
		return nil, badOutputError("list", err.Error())
	}
	return ld.AppstreamURLs, nil
}

// GetVersion returns the target's currently installed version, per its most
// recent "list" output. Like GetAppStream this runs offline and synchronously,
// never through the Job machinery.
func (o *targetObject) GetVersion(sender dbus.Sender) (string, *dbus.Error) {
	if rerr := o.m.authorize(sender, ActionCheck, o.authDetails(nil)); rerr != nil {
		return "", rerr
	}
	doc, err := o.m.runner.RunSimple(o.t, VerbList, true)
	if err != nil {
		return "", synchronousWorkerError(VerbList, err)
	}
	ld, err := doc.asListDocument()
	if err != nil {
		return "", badOutputError("list", err.Error())
	}
	if ld.Current == nil {
		return "", nil
	}
	return *ld.Current, nil
}

// jobObject is exported at each outstanding job's object path and
// implements IfaceJob's Cancel method.
type jobObject struct {
	m *Manager
	j *Job
}

// Cancel escalates termination of the job's worker (spec.md §4.3).
func (o *jobObject) Cancel(sender dbus.Sender) *dbus.Error {
	if rerr := o.m.authorize(sender, o.j.cancelAction(), map[string]string{
		"class": string(o.j.target.Class), "name": o.j.target.Name,
	}); rerr != nil {
		return rerr
	}
	if err := o.j.cancel(); err != nil {
		return invalidArgsError("cancel job: %s", err)
	}
	return nil
}
