package sysupdate

import (
	"github.com/godbus/dbus/v5"
)

// Authorizer is the policy-engine contract (spec.md §1's "external
// collaborator"). Implementations decide whether the caller identified by
// msg may perform action, given the supplied authorization details
// dictionary (spec.md §4.4: always class/name, plus version/offline where
// relevant).
//
// This module has no polkit-backed implementation: cmd/sysupdated and the
// tests both use AllowAllAuthorizer, so no action is ever denied. The polkit
// protocol supports deferred ("interactive") authorization, where
// the decision arrives asynchronously and the original method call must be
// completed later; that registry is out of scope for this daemon's core and
// is represented here only as the synchronous Authorize call a caller can
// build a deferred flow on top of.
type Authorizer interface {
	Authorize(msg dbus.Message, action string, details map[string]string) error
}

// AllowAllAuthorizer is a trivial Authorizer that never denies. It is the
// Authorizer cmd/sysupdated wires in, and the one the tests use.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(dbus.Message, string, map[string]string) error { return nil }
