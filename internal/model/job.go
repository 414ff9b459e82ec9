package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Status is a job lifecycle status.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// JobState is the mutable, persisted part of a job.
type JobState struct {
	Status  Status  `json:"status"`
	Percent float64 `json:"percent"`
	Speed   string  `json:"speed,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// NewJobState returns a fresh pending state.
func NewJobState() JobState { return JobState{Status: StatusPending} }

// Reset forces a non-terminal state back to pending. In-flight transfers
// never survive a restart or a suspend.
func (s *JobState) Reset() {
	if s.Status.Terminal() {
		return
	}
	*s = NewJobState()
}

// Start marks a transfer as begun.
func (s *JobState) Start() {
	s.Status = StatusDownloading
	s.Percent = 0
	s.Speed = ""
	s.Error = ""
}

// Complete marks the job as finished.
func (s *JobState) Complete() {
	s.Status = StatusCompleted
	s.Percent = 1
	s.Speed = ""
	s.Error = ""
}

// Fail marks the job as failed with a human-readable message.
func (s *JobState) Fail(msg string) {
	s.Status = StatusFailed
	s.Speed = ""
	s.Error = msg
}

// Job is a persisted download manifest.
type Job struct {
	ID           uuid.UUID     `json:"id"`
	AccountID    uuid.UUID     `json:"account_id"`
	AccountEmail string        `json:"account_email"`
	App          AppIdentity   `json:"app"`
	VersionID    string        `json:"version_id"`
	Grant        DownloadGrant `json:"grant"`
	CreatedAt    time.Time     `json:"created_at"`
	State        JobState      `json:"state"`
}

// PackageKey addresses "the job for this package" (app id + version identifier).
type PackageKey struct {
	AppID     int64
	VersionID string
}

// Key returns the job's package key.
func (j Job) Key() PackageKey {
	return PackageKey{AppID: j.App.ID, VersionID: j.VersionID}
}

// NewJob creates a pending job for app/version using grant.
func NewJob(account Account, app AppIdentity, versionID string, grant DownloadGrant, now time.Time) (Job, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:           id,
		AccountID:    account.ID,
		AccountEmail: account.Email,
		App:          app,
		VersionID:    versionID,
		Grant:        grant,
		CreatedAt:    now.UTC(),
		State:        NewJobState(),
	}, nil
}
