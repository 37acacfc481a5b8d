// Package tasks implements the active task registry, the ephemeral in-flight
// entries under settings.active_tasks. A task's existence is the sole
// authority for "this job is being worked on right now": producers create one
// before starting, mutate it for progress and cost, and either delete it on
// success (after upserting the job record) or leave it visible in
// error/cancelled state until the operator removes it.
package tasks

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/sourabhkatti/applicator/app/dedup"
	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/store/enums"
)

// CompleteResult reports whether completing a task produced a new record or
// merged into an existing one.
type CompleteResult string

// completion outcomes
const (
	Created CompleteResult = "created"
	Merged  CompleteResult = "merged"
)

// Registry manipulates active tasks through the store's locked
// load-mutate-save cycle. All operations tolerate a task removed by a
// concurrent writer, such updates are logged no-ops, not failures.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

// New makes a registry over the given store.
func New(s *store.Store) *Registry {
	return &Registry{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a running task for a single application attempt and returns
// its generated id.
func (r *Registry) Create(ctx context.Context, company, role, jobURL string) (string, error) {
	taskID := uuid.NewString()
	err := r.store.Update(ctx, func(c *store.Collection) error {
		task := &store.ActiveTask{
			TaskID:      taskID,
			Company:     company,
			Role:        role,
			Status:      enums.TaskRunning,
			CurrentStep: "Initializing browser",
			StartedAt:   r.now(),
		}
		if jobURL != "" {
			task.JobURL = &jobURL
		}
		c.Settings.ActiveTasks[taskID] = task
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("can't create task for %s: %w", company, err)
	}
	log.Printf("[INFO] created task %s for %s - %s", taskID, company, role)
	return taskID, nil
}

// CreateBatch inserts a running task representing a batch run over target jobs.
func (r *Registry) CreateBatch(ctx context.Context, target int) (string, error) {
	taskID := uuid.NewString()
	err := r.store.Update(ctx, func(c *store.Collection) error {
		c.Settings.ActiveTasks[taskID] = &store.ActiveTask{
			TaskID:      taskID,
			Type:        "batch",
			Company:     "Batch Application",
			Role:        fmt.Sprintf("%d jobs", target),
			Status:      enums.TaskRunning,
			CurrentStep: fmt.Sprintf("Starting batch: 0/%d complete", target),
			Target:      target,
			StartedAt:   r.now(),
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("can't create batch task: %w", err)
	}
	log.Printf("[INFO] created batch task %s, target %d", taskID, target)
	return taskID, nil
}

// UpdateProgress sets the task's current step and percent complete.
func (r *Registry) UpdateProgress(ctx context.Context, taskID, step string, percent int) error {
	return r.mutate(ctx, taskID, "progress", func(t *store.ActiveTask) {
		t.CurrentStep = step
		t.Progress = percent
	})
}

// UpdateBatchProgress sets completed/failed counters on a batch task.
func (r *Registry) UpdateBatchProgress(ctx context.Context, taskID string, completed, failed int) error {
	return r.mutate(ctx, taskID, "batch progress", func(t *store.ActiveTask) {
		t.Completed = completed
		t.Failed = failed
		if t.Target > 0 {
			t.Progress = (completed + failed) * 100 / t.Target
			t.CurrentStep = fmt.Sprintf("Batch: %d/%d complete", completed, t.Target)
		}
	})
}

// UpdateCost sets the accumulated cost and token usage on the task.
func (r *Registry) UpdateCost(ctx context.Context, taskID string, cost float64, inputTokens, outputTokens int) error {
	return r.mutate(ctx, taskID, "cost", func(t *store.ActiveTask) {
		t.Cost = cost
		t.InputTokens = inputTokens
		t.OutputTokens = outputTokens
	})
}

// MarkError flips the task to error state. The task stays visible for the
// operator until removed explicitly.
func (r *Registry) MarkError(ctx context.Context, taskID, message string) error {
	return r.mutate(ctx, taskID, "error", func(t *store.ActiveTask) {
		t.Status = enums.TaskError
		t.ErrorMessage = &message
	})
}

// Cancel marks the task cancelled. Cancellation is cooperative: the producer
// doing the work is expected to poll task status and abort on its own.
// Returns false if the task doesn't exist.
func (r *Registry) Cancel(ctx context.Context, taskID string) (bool, error) {
	found := false
	err := r.store.Update(ctx, func(c *store.Collection) error {
		t, ok := c.Settings.ActiveTasks[taskID]
		if !ok {
			return nil
		}
		found = true
		msg := "cancelled by user"
		t.Status = enums.TaskCancelled
		t.ErrorMessage = &msg
		t.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("can't cancel task %s: %w", taskID, err)
	}
	if found {
		log.Printf("[INFO] task %s cancelled", taskID)
	}
	return found, nil
}

// Remove hard-deletes the task from the registry. Returns false if the task
// doesn't exist.
func (r *Registry) Remove(ctx context.Context, taskID string) (bool, error) {
	found := false
	err := r.store.Update(ctx, func(c *store.Collection) error {
		if _, ok := c.Settings.ActiveTasks[taskID]; !ok {
			return nil
		}
		found = true
		delete(c.Settings.ActiveTasks, taskID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("can't remove task %s: %w", taskID, err)
	}
	if found {
		log.Printf("[INFO] task %s removed", taskID)
	}
	return found, nil
}

// Status returns a copy of the task, or false if it's gone. Producers poll
// this to observe cooperative cancellation.
func (r *Registry) Status(ctx context.Context, taskID string) (store.ActiveTask, bool, error) {
	var res store.ActiveTask
	found := false
	err := r.store.View(ctx, func(c *store.Collection) {
		if t, ok := c.Settings.ActiveTasks[taskID]; ok {
			res, found = *t, true
		}
	})
	if err != nil {
		return store.ActiveTask{}, false, fmt.Errorf("can't read task %s: %w", taskID, err)
	}
	return res, found, nil
}

// Complete deletes the task and upserts the application outcome into the job
// records in one critical section. Completing the same task or URL twice
// doesn't create a second record, the upsert observes the existing one.
func (r *Registry) Complete(ctx context.Context, taskID string, cand dedup.Candidate) (CompleteResult, error) {
	cand.TaskID = taskID
	cand.Company = dedup.DisplayCompany(cand.Company)
	if cand.Timestamp.IsZero() {
		cand.Timestamp = r.now()
	}

	res := Merged
	err := r.store.Update(ctx, func(c *store.Collection) error {
		if _, ok := c.Settings.ActiveTasks[taskID]; !ok {
			log.Printf("[INFO] task %s already gone on complete, removed by concurrent writer", taskID)
		}
		delete(c.Settings.ActiveTasks, taskID)
		if dedup.Upsert(c, cand) == dedup.Added {
			res = Created
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("can't complete task %s: %w", taskID, err)
	}
	log.Printf("[INFO] task %s completed, record %s for %s - %s", taskID, res, cand.Company, cand.Role)
	return res, nil
}

// mutate applies fn to the task if present, stamps updated_at, and logs a
// no-op when the task has vanished.
func (r *Registry) mutate(ctx context.Context, taskID, what string, fn func(t *store.ActiveTask)) error {
	err := r.store.Update(ctx, func(c *store.Collection) error {
		t, ok := c.Settings.ActiveTasks[taskID]
		if !ok {
			log.Printf("[INFO] skip %s update, task %s not found", what, taskID)
			return nil
		}
		fn(t)
		t.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("can't update %s for task %s: %w", what, taskID, err)
	}
	return nil
}
