package sysupdate

import (
	"os"
	"path/filepath"
	"strings"
)

// classDirectories are the well-known directories each discoverable image
// class is scanned from, mirroring the reference daemon's use of
// libsystemd-shared's image discovery (spec.md §4.4). No Go library in the
// retrieved example set wraps that systemd-internal API, so this is a
// deliberate, narrow stdlib directory scan rather than a wholesale
// reimplementation of image discovery.
var classDirectories = map[TargetClass][]string{
	ClassMachine:  {"/etc/machines", "/run/machines", "/var/lib/machines"},
	ClassPortable: {"/etc/portables", "/run/portables", "/var/lib/portables"},
	ClassSysext:   {"/etc/extensions", "/run/extensions", "/var/lib/extensions"},
	ClassConfext:  {"/etc/confexts", "/run/confexts", "/var/lib/confexts"},
}

// dirImageDiscoverer discovers images by scanning the well-known
// directories systemd's image classes live under, classifying each entry by
// its file mode (directory/subvolume vs. raw file vs. block device).
type dirImageDiscoverer struct{}

// NewDirImageDiscoverer builds the production ImageDiscoverer.
func NewDirImageDiscoverer() ImageDiscoverer {
	return &dirImageDiscoverer{}
}

func (d *dirImageDiscoverer) DiscoverImages(class TargetClass) ([]ImageDescriptor, error) {
	dirs, ok := classDirectories[class]
	if !ok {
		return nil, nil
	}

	seen := make(map[string]bool)
	var out []ImageDescriptor

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			if seen[name] {
				continue
			}
			path := filepath.Join(dir, e.Name())
			imgType, err := classifyImagePath(path, e.IsDir())
			if err != nil {
				continue
			}
			seen[name] = true
			out = append(out, ImageDescriptor{Name: name, Path: path, Type: imgType, IsHost: false})
		}
	}
	return out, nil
}

// classifyImagePath maps a discovered path to an ImageType the worker
// argument builder knows how to turn into --root= or --image=.
func classifyImagePath(path string, isDir bool) (ImageType, error) {
	if isDir {
		return ImageTypeDirectory, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return ImageTypeUnset, err
	}
	if info.Mode()&os.ModeDevice != 0 {
		return ImageTypeBlockDevice, nil
	}
	if strings.HasSuffix(path, ".raw") {
		return ImageTypeRaw, nil
	}
	return ImageTypeRaw, nil
}
