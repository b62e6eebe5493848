package shellysim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Open returns a device whose state is loaded from and saved to path.
// A missing or unreadable file starts an empty device. Save failures are
// logged to log.
func Open(path string, log zerolog.Logger) *Device {
	d := New()
	d.log = log.With().Str("component", "shellysim").Logger()
	d.storePath = strings.TrimSpace(path)
	if d.storePath == "" {
		return d
	}
	loaded := loadState(d.storePath)
	d.state = loaded
	return d
}

func loadState(path string) State {
	empty := State{Version: 1, NextID: 1, KVS: map[string]string{}, Relays: map[string]bool{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return empty
	}
	var parsed State
	if err := json5.Unmarshal(data, &parsed); err != nil {
		return empty
	}
	if parsed.Version == 0 {
		parsed.Version = 1
	}
	if parsed.NextID < 1 {
		parsed.NextID = 1
		for _, job := range parsed.Jobs {
			parsed.NextID = max(parsed.NextID, job.ID+1)
		}
	}
	if parsed.KVS == nil {
		parsed.KVS = map[string]string{}
	}
	if parsed.Relays == nil {
		parsed.Relays = map[string]bool{}
	}
	return parsed
}

// persistLocked writes the state atomically and keeps a .bak copy.
func (d *Device) persistLocked() error {
	if d.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.storePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	payload, err := json5.MarshalIndent(d.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := d.storePath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, d.storePath); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	if err := os.WriteFile(d.storePath+".bak", payload, 0o644); err != nil {
		return fmt.Errorf("write state backup: %w", err)
	}
	return nil
}

// saveLocked persists the state. The emulator keeps serving from memory when
// the file cannot be written.
func (d *Device) saveLocked() {
	if err := d.persistLocked(); err != nil {
		d.log.Warn().Err(err).Str("path", d.storePath).Msg("failed to persist emulator state")
	}
}
