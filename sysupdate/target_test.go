package sysupdate

import (
	"testing"

	hclog "github.com/hashicorp/go-hclog"
)

func TestTargetArgument(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		want   string
		isErr  bool
	}{
		{"host", Target{Class: ClassHost}, "", false},
		{"component", Target{Class: ClassComponent, Name: "foo"}, "--component=foo", false},
		{"dir image", Target{Class: ClassSysext, Path: "/var/lib/extensions/foo", ImageType: ImageTypeDirectory}, "--root=/var/lib/extensions/foo", false},
		{"raw image", Target{Class: ClassPortable, Path: "/var/lib/portables/foo.raw", ImageType: ImageTypeRaw}, "--image=/var/lib/portables/foo.raw", false},
		{"unset image type", Target{Class: ClassMachine, Path: "/var/lib/machines/foo"}, "", true},
	}
	for _, c := range cases {
		got, err := c.target.argument()
		if c.isErr {
			if err == nil {
				t.Errorf("%s: expected error, got nil", c.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: argument() = %q, want %q", c.name, got, c.want)
		}
	}
}

// fakeDiscoverer and fakeRunner let registry tests exercise enumeration
// without spawning a real worker binary.
type fakeDiscoverer struct {
	images map[TargetClass][]ImageDescriptor
}

func (f *fakeDiscoverer) DiscoverImages(class TargetClass) ([]ImageDescriptor, error) {
	return f.images[class], nil
}

type fakeRunner struct {
	components map[string]*componentsDocument // keyed by target ID, "" for no-target-scope
}

func (f *fakeRunner) Spawn(spawnSpec) (*RunningWorker, error) { return nil, nil }
func (f *fakeRunner) RunSimple(*Target, JobVerb, bool) (*document, error) {
	return nil, nil
}
func (f *fakeRunner) RunComponents(t *Target) (*componentsDocument, error) {
	key := ""
	if t != nil {
		key = t.ID
	}
	if cd, ok := f.components[key]; ok {
		return cd, nil
	}
	return &componentsDocument{Default: false}, nil
}

func TestRegistryEnumerate(t *testing.T) {
	disc := &fakeDiscoverer{images: map[TargetClass][]ImageDescriptor{
		ClassSysext: {
			{Name: "extra", Path: "/var/lib/extensions/extra", Type: ImageTypeDirectory},
			{Name: "host-ish", Path: "/var/lib/extensions/host-ish", Type: ImageTypeDirectory, IsHost: true},
		},
	}}
	runner := &fakeRunner{components: map[string]*componentsDocument{
		"sysext:extra": {Default: true},
		"":             {Default: true, Components: []string{"foo"}},
	}}
	reg := newRegistry(disc, runner, hclog.NewNullLogger())

	if err := reg.enumerate(); err != nil {
		t.Fatalf("enumerate: %v", err)
	}

	if _, ok := reg.get("host"); !ok {
		t.Error("expected host target")
	}
	if _, ok := reg.get("component:foo"); !ok {
		t.Error("expected component:foo target")
	}
	if _, ok := reg.get("sysext:extra"); !ok {
		t.Error("expected sysext:extra target with default component")
	}
	if _, ok := reg.get("sysext:host-ish"); ok {
		t.Error("host-flagged image should have been skipped")
	}
}

func TestRegistryEnsurePopulatesAndClearEmpties(t *testing.T) {
	disc := &fakeDiscoverer{images: map[TargetClass][]ImageDescriptor{}}
	runner := &fakeRunner{components: map[string]*componentsDocument{
		"": {Default: true},
	}}
	reg := newRegistry(disc, runner, hclog.NewNullLogger())

	if err := reg.ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if reg.isEmpty() {
		t.Fatal("expected registry to be populated after ensure")
	}
	reg.clear()
	if !reg.isEmpty() {
		t.Error("expected registry to be empty after clear")
	}
}
