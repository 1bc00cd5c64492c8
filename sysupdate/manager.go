package sysupdate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/hashicorp/go-hclog"
)

// idleCheckInterval is how often the manager looks for an opportunity to
// drop the cached target set once no jobs remain outstanding (spec.md
// §4.5). The reference daemon does this from its event loop's idle
// callback; a ticker is the idiomatic substitute.
const idleCheckInterval = 250 * time.Millisecond

// Manager is the process-wide root object (C5): it owns the bus connection,
// the target and job registries, and the notify listener, and exports the
// whole object tree.
type Manager struct {
	conn   *dbus.Conn
	logger hclog.Logger
	authz  Authorizer
	runner WorkerRunner

	targets *registry
	notify  *notifyListener

	mu        sync.Mutex
	jobs      map[uint64]*Job
	jobsByPID map[int]*Job
	lastJobID uint64

	exported map[dbus.ObjectPath]bool
}

// NewManager wires together a Manager ready to Run. conn should already be
// connected to the bus but must not yet own the well-known name.
func NewManager(conn *dbus.Conn, runner WorkerRunner, discoverer ImageDiscoverer, authz Authorizer, logger hclog.Logger) *Manager {
	logger = logger.Named("manager")
	return &Manager{
		conn:      conn,
		logger:    logger,
		authz:     authz,
		runner:    runner,
		targets:   newRegistry(discoverer, runner, logger),
		jobs:      make(map[uint64]*Job),
		jobsByPID: make(map[int]*Job),
		exported:  make(map[dbus.ObjectPath]bool),
	}
}

// Run claims the well-known bus name, exports the manager object, starts the
// notify listener, and signals readiness to systemd. It blocks until ctx is
// canceled, then tears the notify listener down.
func (m *Manager) Run(ctx context.Context) error {
	notify, err := newNotifyListener(RuntimeDirectory(), m.logger)
	if err != nil {
		return fmt.Errorf("bind notify socket: %w", err)
	}
	m.notify = notify
	go notify.serve(m.jobForPID)

	if err := m.exportManagerObject(); err != nil {
		notify.close()
		return fmt.Errorf("export manager object: %w", err)
	}

	reply, err := m.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		notify.close()
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		notify.close()
		return fmt.Errorf("bus name %s already owned", BusName)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		m.logger.Warn("sd_notify READY failed", "error", err)
	} else if ok {
		m.logger.Debug("notified systemd of readiness")
	}

	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			notify.close()
			return nil
		case <-ticker.C:
			m.checkIdle()
		}
	}
}

// jobForPID resolves a worker pid to its owning job, used by the notify
// listener to route datagrams.
func (m *Manager) jobForPID(pid int32) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobsByPID[int(pid)]
	return j, ok
}

// checkIdle drops the cached target set once no job is outstanding, so the
// next request re-enumerates rather than serving a possibly-stale cache
// (spec.md §4.5).
func (m *Manager) checkIdle() {
	m.mu.Lock()
	empty := len(m.jobs) == 0
	m.mu.Unlock()
	if empty && !m.targets.isEmpty() {
		m.targets.clear()
	}
}

// exportManagerObject exports the root manager object and its introspection
// data.
func (m *Manager) exportManagerObject() error {
	obj := &managerObject{m: m}
	if err := m.conn.Export(obj, ManagerObjectPath, IfaceManager); err != nil {
		return err
	}
	node := &introspect.Node{
		Name: string(ManagerObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			managerIntrospection,
		},
	}
	return m.conn.Export(introspect.NewIntrospectable(node), ManagerObjectPath, "org.freedesktop.DBus.Introspectable")
}

// nextJobID allocates the next monotonic job id.
func (m *Manager) nextJobID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastJobID++
	return m.lastJobID
}

// spawnJob creates, registers, exports, and starts a new job, wiring its
// property-change and exit callbacks back into the manager.
func (m *Manager) spawnJob(jobType JobType, target *Target, version string, offline bool, reply replyFunc, complete completionFunc, detach detachFunc) (*Job, *dbus.Error) {
	id := m.nextJobID()
	j := newJob(id, jobType, target, reply, complete)
	if jobType == JobUpdate && complete == nil {
		j.completeCb = noUpdateCandidateCompletion
	}
	j.Version = version
	j.Offline = offline
	j.detachCb = detach
	j.onPropertyChanged = m.onJobProgressChanged
	j.onExit = m.onJobExit

	if err := m.exportJobObject(j); err != nil {
		return nil, invalidArgsError("export job object: %s", err)
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	if err := j.start(m.runner); err != nil {
		m.forgetJob(j)
		if errors.Is(err, errTargetBusy) {
			return nil, busyError(target.ID)
		}
		return nil, invalidArgsError("spawn worker: %s", err)
	}

	m.mu.Lock()
	if pid := j.pid(); pid != 0 {
		m.jobsByPID[pid] = j
	}
	m.mu.Unlock()

	go func() {
		j.onChildExit(j.worker.Cmd.Wait())
		m.mu.Lock()
		_, live := m.jobs[j.ID]
		m.mu.Unlock()
		if live {
			m.forgetJob(j)
		}
	}()

	return j, nil
}

// forgetJob removes a job from bookkeeping and unexports its object.
func (m *Manager) forgetJob(j *Job) {
	m.mu.Lock()
	delete(m.jobs, j.ID)
	delete(m.jobsByPID, j.pid())
	m.mu.Unlock()
	m.conn.Export(nil, j.ObjectPath, IfaceJob)
}

// onJobProgressChanged forwards a job's progress update as a
// PropertiesChanged signal.
func (m *Manager) onJobProgressChanged(j *Job) {
	m.conn.Emit(j.ObjectPath, "org.freedesktop.DBus.Properties.PropertiesChanged",
		IfaceJob, map[string]dbus.Variant{"Progress": dbus.MakeVariant(j.progress())}, []string{})
}

// onJobExit runs once a detached job's worker has exited. It emits
// JobRemoved and retires the job's bookkeeping and bus object.
func (m *Manager) onJobExit(j *Job, status int32, detached bool) {
	if !detached {
		return
	}
	m.forgetJob(j)
	m.conn.Emit(ManagerObjectPath, IfaceManager+".JobRemoved", j.ID, j.ObjectPath, status)
	m.logger.Info("job finished", "id", j.ID, "status", status)
}

// exportJobObject exports a freshly created job's object path with its
// methods and properties.
func (m *Manager) exportJobObject(j *Job) error {
	obj := &jobObject{m: m, j: j}
	if err := m.conn.Export(obj, j.ObjectPath, IfaceJob); err != nil {
		return err
	}
	props := prop.Map{
		IfaceJob: {
			"Id":      {Value: j.ID, Writable: false, Emit: prop.EmitFalse},
			"Type":    {Value: string(j.Type), Writable: false, Emit: prop.EmitFalse},
			"Offline": {Value: j.Offline, Writable: false, Emit: prop.EmitFalse},
			"Progress": {
				Value:    uint32(0),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	}
	_, err := prop.Export(m.conn, j.ObjectPath, props)
	return err
}

// exportTargetObject exports a discovered target's object path with its
// methods and properties, idempotently.
func (m *Manager) exportTargetObject(t *Target) error {
	m.mu.Lock()
	if m.exported[t.busPath()] {
		m.mu.Unlock()
		return nil
	}
	m.exported[t.busPath()] = true
	m.mu.Unlock()

	obj := &targetObject{m: m, t: t}
	if err := m.conn.Export(obj, t.busPath(), IfaceTarget); err != nil {
		return err
	}
	props := prop.Map{
		IfaceTarget: {
			"Class": {Value: string(t.Class), Writable: false, Emit: prop.EmitFalse},
			"Name":  {Value: t.Name, Writable: false, Emit: prop.EmitFalse},
			"Path":  {Value: t.Path, Writable: false, Emit: prop.EmitFalse},
		},
	}
	_, err := prop.Export(m.conn, t.busPath(), props)
	return err
}

var managerIntrospection = introspect.Interface{
	Name: IfaceManager,
	Methods: []introspect.Method{
		{Name: "ListTargets", Args: []introspect.Arg{
			{Name: "targets", Type: "a(sso)", Direction: "out"},
		}},
		{Name: "ListJobs", Args: []introspect.Arg{
			{Name: "jobs", Type: "a(tsuo)", Direction: "out"},
		}},
	},
	Signals: []introspect.Signal{
		{Name: "JobRemoved", Args: []introspect.Arg{
			{Name: "id", Type: "t", Direction: "out"},
			{Name: "job", Type: "o", Direction: "out"},
			{Name: "status", Type: "i", Direction: "out"},
		}},
	},
}
