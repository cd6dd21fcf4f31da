package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two transfer directions.
const (
	KindDownload = "download"
	KindUpload   = "upload"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Options is the configuration snapshot captured when a job is submitted.
// It is never mutated afterwards; jobs started with different settings keep
// the settings they were started with.
type Options struct {
	DestDir        string            `json:"dest_dir,omitempty"`
	Glob           string            `json:"glob,omitempty"`
	Format         string            `json:"format,omitempty"`
	SkipExisting   bool              `json:"skip_existing,omitempty"`
	VerifyChecksum bool              `json:"verify_checksum,omitempty"`
	NoDirectories  bool              `json:"no_directories,omitempty"`
	Source         []string          `json:"source,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Job is one submitted transfer operation and its tracked state. The API
// returns the job immediately on POST /api/downloads or /api/uploads; clients
// follow progress via polling or the SSE event stream.
//
// Progress is only meaningful while the job is running (capped below 100) or
// after it completed (exactly 100). TransferredBytes, TotalBytes and Rate are
// telemetry present while running or after a successful completion.
type Job struct {
	ID               uuid.UUID `db:"id"                json:"id"`
	Kind             string    `db:"kind"              json:"kind"`
	Identifier       string    `db:"identifier"        json:"identifier"`
	Files            []string  `db:"files"             json:"files,omitempty"`
	Options          Options   `db:"options"           json:"options"`
	Status           string    `db:"status"            json:"status"`
	Progress         float64   `db:"progress"          json:"progress"`
	TransferredBytes *int64    `db:"transferred_bytes" json:"transferred_bytes,omitempty"`
	TotalBytes       *int64    `db:"total_bytes"       json:"total_bytes,omitempty"`
	Rate             *float64  `db:"rate"              json:"rate,omitempty"`
	Error            *string   `db:"error"             json:"error,omitempty"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return TerminalStatus(j.Status)
}

// Clone returns a deep copy so live state can be handed to readers without
// sharing pointers with the manager's authoritative copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.Files != nil {
		c.Files = append([]string(nil), j.Files...)
	}
	if j.Options.Source != nil {
		c.Options.Source = append([]string(nil), j.Options.Source...)
	}
	if j.Options.Metadata != nil {
		c.Options.Metadata = make(map[string]string, len(j.Options.Metadata))
		for k, v := range j.Options.Metadata {
			c.Options.Metadata[k] = v
		}
	}
	if j.TransferredBytes != nil {
		v := *j.TransferredBytes
		c.TransferredBytes = &v
	}
	if j.TotalBytes != nil {
		v := *j.TotalBytes
		c.TotalBytes = &v
	}
	if j.Rate != nil {
		v := *j.Rate
		c.Rate = &v
	}
	if j.Error != nil {
		v := *j.Error
		c.Error = &v
	}
	return &c
}
