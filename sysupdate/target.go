package sysupdate

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"
)

// TargetClass identifies the kind of update scope a Target addresses.
type TargetClass string

const (
	ClassHost      TargetClass = "host"
	ClassComponent TargetClass = "component"
	ClassMachine   TargetClass = "machine"
	ClassPortable  TargetClass = "portable"
	ClassSysext    TargetClass = "sysext"
	ClassConfext   TargetClass = "confext"
)

// discoverableClasses are the image classes enumerated via the image
// discovery library, in the order spec.md §4.4 prescribes.
var discoverableClasses = []TargetClass{ClassMachine, ClassPortable, ClassSysext, ClassConfext}

// ImageType describes the on-disk representation of a discovered image.
// It is unset for the host and component classes, which have no image.
type ImageType int

const (
	ImageTypeUnset ImageType = iota
	ImageTypeDirectory
	ImageTypeSubvolume
	ImageTypeRaw
	ImageTypeBlockDevice
)

// Target is one addressable update scope: the host, a named component, or a
// discovered sysext/confext/machine/portable image.
type Target struct {
	Class     TargetClass
	Name      string
	Path      string
	ID        string
	ImageType ImageType

	busyMu sync.Mutex
	busy   bool
}

// tryAcquire atomically checks and marks the target busy, enforcing spec.md
// §8's invariant (at most one outstanding update/vacuum job per target)
// against concurrent RPCs racing each other, not just against a single
// job's own goroutine.
func (t *Target) tryAcquire() bool {
	t.busyMu.Lock()
	defer t.busyMu.Unlock()
	if t.busy {
		return false
	}
	t.busy = true
	return true
}

// release clears the busy flag once an update/vacuum job's worker exits.
func (t *Target) release() {
	t.busyMu.Lock()
	t.busy = false
	t.busyMu.Unlock()
}

// busPath returns the object path this target is exported at.
func (t *Target) busPath() dbus.ObjectPath {
	return dbus.ObjectPath(TargetObjectPrefix + "/" + escapeLabel(t.ID))
}

// argument builds the argv element that scopes a worker invocation to this
// target: nothing for the host, --component=NAME for a component, and
// --root=/--image= for a discovered image depending on its on-disk shape.
func (t *Target) argument() (string, error) {
	switch t.Class {
	case ClassHost:
		return "", nil
	case ClassComponent:
		return "--component=" + t.Name, nil
	default:
		switch t.ImageType {
		case ImageTypeDirectory, ImageTypeSubvolume:
			return "--root=" + t.Path, nil
		case ImageTypeRaw, ImageTypeBlockDevice:
			return "--image=" + t.Path, nil
		default:
			return "", fmt.Errorf("target %s: unset image type for non-host, non-component class", t.ID)
		}
	}
}

// ImageDescriptor is what the image discovery library (an external
// collaborator per spec.md §1) reports for one discovered image.
type ImageDescriptor struct {
	Name      string
	Path      string
	Type      ImageType
	IsHost    bool
}

// ImageDiscoverer discovers images of a given class. Production wiring uses
// the directory-scanning dirImageDiscoverer (discover.go); tests substitute a
// fake.
type ImageDiscoverer interface {
	DiscoverImages(class TargetClass) ([]ImageDescriptor, error)
}

// registry holds the lazily-populated, cacheable set of targets (C4).
type registry struct {
	mu         sync.Mutex
	byID       map[string]*Target
	discoverer ImageDiscoverer
	runner     WorkerRunner
	logger     hclog.Logger
}

func newRegistry(discoverer ImageDiscoverer, runner WorkerRunner, logger hclog.Logger) *registry {
	return &registry{
		byID:       make(map[string]*Target),
		discoverer: discoverer,
		runner:     runner,
		logger:     logger.Named("target"),
	}
}

// isEmpty reports whether the registry currently holds no targets.
func (r *registry) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID) == 0
}

// clear drops the cached target set. Callers must only do this once the job
// registry is idle (spec.md §4.5), so no outstanding Job references a Target
// about to disappear.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Target)
	r.logger.Debug("cleared target cache")
}

// ensure populates the registry by running a full enumeration if it is
// currently empty.
func (r *registry) ensure() error {
	r.mu.Lock()
	empty := len(r.byID) == 0
	r.mu.Unlock()
	if !empty {
		return nil
	}
	return r.enumerate()
}

// list returns a snapshot of all currently cached targets.
func (r *registry) list() []*Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Target, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// get looks up a target by its stable id.
func (r *registry) get(id string) (*Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

func (r *registry) add(t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID] = t
}

// enumerate runs the two-phase discovery spec.md §4.4 describes: per-class
// image discovery first, then the no-target-scoped "components" probe for
// the host and named components.
func (r *registry) enumerate() error {
	for _, class := range discoverableClasses {
		if err := r.enumerateImageClass(class); err != nil {
			r.logger.Warn("failed to enumerate images, ignoring", "class", class, "error", err)
		}
	}
	return r.enumerateComponents()
}

func (r *registry) enumerateImageClass(class TargetClass) error {
	images, err := r.discoverer.DiscoverImages(class)
	if err != nil {
		return err
	}
	for _, img := range images {
		if img.IsHost {
			continue
		}
		t := &Target{
			Class:     class,
			Name:      img.Name,
			Path:      img.Path,
			ID:        string(class) + ":" + img.Name,
			ImageType: img.Type,
		}
		comps, err := r.runner.RunComponents(t)
		if err != nil {
			return fmt.Errorf("probe components for %s: %w", t.ID, err)
		}
		if !comps.Default {
			r.logger.Debug("skipping target, no default component", "path", img.Path)
			continue
		}
		r.add(t)
	}
	return nil
}

func (r *registry) enumerateComponents() error {
	comps, err := r.runner.RunComponents(nil)
	if err != nil {
		return err
	}
	if comps.Default {
		r.add(&Target{Class: ClassHost, Name: "host", Path: "sysupdate.d", ID: "host"})
	}
	for _, name := range comps.Components {
		r.add(&Target{
			Class: ClassComponent,
			Name:  name,
			Path:  "sysupdate." + name + ".d",
			ID:    "component:" + name,
		})
	}
	return nil
}
