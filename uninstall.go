package securestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// InstallMarker records that the current installation of the application
// has started at least once. It must live in storage the platform wipes on
// uninstall (application data directory), unlike the secrets themselves.
type InstallMarker interface {
	Present() (bool, error)
	Mark() error
}

// FileMarker is an InstallMarker backed by a file.
type FileMarker struct {
	Path string
}

func (m FileMarker) Present() (bool, error) {
	_, err := os.Stat(m.Path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (m FileMarker) Mark() error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0700); err != nil {
		return err
	}
	return os.WriteFile(m.Path, []byte("installed\n"), 0600)
}

// ResetAfterReinstall purges every entry when the application starts for
// the first time after (re)installation and reset is enabled, then marks
// the installation. It reports whether a purge happened.
func ResetAfterReinstall(
	marker InstallMarker,
	resetEnabled bool,
	purge func() error,
) (bool, error) {
	present, err := marker.Present()
	if err != nil {
		return false, fmt.Errorf("%w: install marker: %v", ErrBackend, err)
	}
	if present {
		return false, nil
	}
	purged := false
	if resetEnabled {
		if err := purge(); err != nil {
			return false, fmt.Errorf("%w: purge after reinstall: %v", ErrBackend, err)
		}
		purged = true
	}
	if err := marker.Mark(); err != nil {
		return purged, fmt.Errorf("%w: install marker: %v", ErrBackend, err)
	}
	return purged, nil
}
