// Package checkpoint persists recoverable state snapshots atomically and
// maintains their backups and retention.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// SchemaVersion is embedded in every written checkpoint so older files can
// be recognized on load.
const SchemaVersion = 1

// gob needs the concrete types that may hide behind the opaque state maps.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// Format selects the on-disk serialization.
type Format string

// Supported formats.
const (
	// FormatJSON writes indented JSON, the structured-text default.
	FormatJSON Format = "json"
	// FormatBinary writes gob, for larger states.
	FormatBinary Format = "binary"
)

// Ext returns the file extension for the format.
func (f Format) Ext() string {
	if f == FormatBinary {
		return "bin"
	}
	return "json"
}

// FormatForExt maps a file extension back to its format.
func FormatForExt(ext string) (Format, bool) {
	switch ext {
	case "json":
		return FormatJSON, true
	case "bin":
		return FormatBinary, true
	}
	return "", false
}

// Checkpoint is one persisted snapshot of recoverable state.
type Checkpoint struct {
	ID            string            `json:"id"`
	CreatedAt     time.Time         `json:"created_at"`
	SchemaVersion int               `json:"schema_version"`
	Application   map[string]any    `json:"application_state"`
	Scrape        map[string]any    `json:"scrape_state"`
	Resource      map[string]any    `json:"resource_state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ContentHash   string            `json:"content_hash"`
}

// State returns the opaque payload bundle the host supplied.
func (c *Checkpoint) State() lifecycle.State {
	return lifecycle.State{
		Application: c.Application,
		Scrape:      c.Scrape,
		Resource:    c.Resource,
	}
}

// canonicalPayload serializes the three state sections deterministically.
// encoding/json sorts map keys, so the digest is stable across writes and
// across both on-disk formats.
func (c *Checkpoint) canonicalPayload() ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"application_state": c.Application,
		"scrape_state":      c.Scrape,
		"resource_state":    c.Resource,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize state: %w", err)
	}
	return payload, nil
}

// validate checks the required fields after a load.
func (c *Checkpoint) validate(wantID string) error {
	if c.ID == "" {
		return fmt.Errorf("checkpoint is missing an id")
	}
	if wantID != "" && c.ID != wantID {
		return fmt.Errorf("checkpoint id %q does not match requested %q", c.ID, wantID)
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("checkpoint %q is missing created_at", c.ID)
	}
	if c.SchemaVersion <= 0 {
		return fmt.Errorf("checkpoint %q is missing schema_version", c.ID)
	}
	return nil
}

func encode(c *Checkpoint, format Format) ([]byte, error) {
	switch format {
	case FormatBinary:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("gob encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("json encode: %w", err)
		}
		return append(data, '\n'), nil
	}
}

func decode(data []byte, format Format) (*Checkpoint, error) {
	var cp Checkpoint
	switch format {
	case FormatBinary:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cp); err != nil {
			return nil, fmt.Errorf("gob decode: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("json decode: %w", err)
		}
	}
	return &cp, nil
}
