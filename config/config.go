// Package config is the configuration source collaborator: an immutable
// attachment description loaded from TOML and watched for changes, standing
// in for a Xenstore watch the way core_engine's boot-image-path flag stood
// in for a real firmware loader.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/weichen81/xenioreqd/internal/xlog"
)

// DeviceSpec is one device stanza: core_engine's disk-image parameter table
// (addr/irq/readonly/filename per image) generalized to any device type the
// Address-Space Registry can route.
type DeviceSpec struct {
	Type     string `toml:"type"`
	BaseAddr uint64 `toml:"base_addr"`
	IRQ      uint8  `toml:"irq"`
	ReadOnly bool   `toml:"readonly"`
	Image    string `toml:"image"`
}

// Attachment is the full parsed configuration for one guest attachment.
type Attachment struct {
	DomID    uint16       `toml:"domid"`
	BackendID uint16      `toml:"backend_domid"`
	Devices  []DeviceSpec `toml:"device"`
}

// Load parses path into an Attachment.
func Load(path string) (*Attachment, error) {
	var a Attachment
	if _, err := toml.DecodeFile(path, &a); err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	return &a, nil
}

// Watcher reports changes to the config file on disk. Reload is the
// caller's job; Watcher only surfaces the fsnotify event channel.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// WatchFile opens an fsnotify watch on path itself, so path must already
// exist. Events are not filtered; a file replaced via rename is not
// followed after the rename.
func WatchFile(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: new fsnotify watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "config: watch %s", path)
	}
	return &Watcher{fsw: fsw}, nil
}

// Events is the raw fsnotify event channel. It is a Go channel, not an fd,
// so it is consumed by a goroutine rather than polled by the Event Loop.
func (w *Watcher) Events() <-chan fsnotify.Event { return w.fsw.Events }

// Errors is fsnotify's own error channel.
func (w *Watcher) Errors() <-chan error { return w.fsw.Errors }

// Close releases the underlying inotify/kqueue handle.
func (w *Watcher) Close() error {
	xlog.For("config").Debug("closing config watcher")
	return w.fsw.Close()
}
