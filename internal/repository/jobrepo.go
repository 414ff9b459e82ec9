// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/ipakeeper/internal/model"
)

// StateUpdate is one job's lifecycle state to persist.
type StateUpdate struct {
	ID    uuid.UUID
	State model.JobState
}

// JobRepository persists download job manifests.
type JobRepository interface {
	// List returns all jobs ordered by creation time.
	List(ctx context.Context) ([]model.Job, error)
	// Upsert writes the whole job. A different job with the same package
	// key yields errs.ErrAlreadyExists.
	Upsert(ctx context.Context, job model.Job) error
	// UpdateStates writes lifecycle states atomically. Missing jobs are skipped.
	UpdateStates(ctx context.Context, updates []StateUpdate) error
	// Delete removes a job. Missing jobs are not an error.
	Delete(ctx context.Context, id uuid.UUID) error
}

// EncodePayload serializes the immutable part of a job. State lives in
// dedicated columns.
func EncodePayload(job model.Job) ([]byte, error) {
	job.State = model.JobState{}
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return b, nil
}

// DecodePayload restores a job from its payload and state columns.
func DecodePayload(payload []byte, state model.JobState) (model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return model.Job{}, fmt.Errorf("decode job payload: %w", err)
	}
	job.State = state
	return job, nil
}
