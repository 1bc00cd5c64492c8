package sysupdate

// D-Bus bus name, object paths and interface names (spec.md §6).
const (
	BusName = "org.freedesktop.sysupdate1"

	ManagerObjectPath  = "/org/freedesktop/sysupdate1"
	TargetObjectPrefix = "/org/freedesktop/sysupdate1/target"
	JobObjectPrefix    = "/org/freedesktop/sysupdate1/job"

	IfaceManager = "org.freedesktop.sysupdate1.Manager"
	IfaceTarget  = "org.freedesktop.sysupdate1.Target"
	IfaceJob     = "org.freedesktop.sysupdate1.Job"
)

// Policy-engine action names (spec.md §6).
const (
	ActionCheck           = "org.freedesktop.sysupdate1.check"
	ActionUpdate          = "org.freedesktop.sysupdate1.update"
	ActionUpdateToVersion = "org.freedesktop.sysupdate1.update-to-version"
	ActionVacuum          = "org.freedesktop.sysupdate1.vacuum"
)

// FlagOffline is the only recognized bit for List/Describe's flags argument
// (spec.md §6). Any other bit set is an invalid-args error.
const FlagOffline uint64 = 1 << 0

const flagsAll = FlagOffline
