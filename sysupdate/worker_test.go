package sysupdate

import (
	"reflect"
	"testing"
)

func TestBuildArgvList(t *testing.T) {
	argv, err := buildArgv("systemd-sysupdate", spawnSpec{
		Target: &Target{Class: ClassHost},
		Verb:   VerbList,
	})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	want := []string{"systemd-sysupdate", "--json=short", "list"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("buildArgv = %v, want %v", argv, want)
	}
}

func TestBuildArgvUpdateWithVersionAndComponent(t *testing.T) {
	argv, err := buildArgv("systemd-sysupdate", spawnSpec{
		Target:  &Target{Class: ClassComponent, Name: "foo"},
		Verb:    VerbUpdate,
		Version: "2.0",
		Offline: true,
	})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	want := []string{"systemd-sysupdate", "--json=short", "--component=foo", "--offline", "update", "2.0"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("buildArgv = %v, want %v", argv, want)
	}
}

func TestBuildArgvVacuum(t *testing.T) {
	argv, err := buildArgv("systemd-sysupdate", spawnSpec{
		Target: &Target{Class: ClassHost},
		Verb:   VerbVacuum,
	})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	want := []string{"systemd-sysupdate", "--json=short", "vacuum"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("buildArgv = %v, want %v", argv, want)
	}
}

func TestBuildArgvUnknownVerb(t *testing.T) {
	if _, err := buildArgv("systemd-sysupdate", spawnSpec{Target: &Target{Class: ClassHost}, Verb: "bogus"}); err == nil {
		t.Error("expected error for unknown verb")
	}
}

func TestSetEnvReplacesExisting(t *testing.T) {
	env := []string{"FOO=1", "NOTIFY_SOCKET=/old"}
	env = setEnv(env, "NOTIFY_SOCKET", "/new")
	want := []string{"FOO=1", "NOTIFY_SOCKET=/new"}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("setEnv = %v, want %v", env, want)
	}
}

func TestSetEnvAppendsWhenAbsent(t *testing.T) {
	env := []string{"FOO=1"}
	env = setEnv(env, "BAR", "2")
	want := []string{"FOO=1", "BAR=2"}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("setEnv = %v, want %v", env, want)
	}
}
