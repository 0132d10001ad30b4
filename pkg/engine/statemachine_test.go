package engine_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/storage"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

func newTransitioner(store storage.Store) *engine.Transitioner {
	metrics := engine.NewMetrics(prometheus.NewRegistry())
	return engine.NewTransitioner(store, testLogger{}, metrics, engine.DefaultConfig())
}

func TestTransitionLegal(t *testing.T) {
	legal := [][2]models.TaskStatus{
		{models.PendingTaskStatus, models.QueuedTaskStatus},
		{models.QueuedTaskStatus, models.RunningTaskStatus},
		{models.RunningTaskStatus, models.CompletedTaskStatus},
		{models.RunningTaskStatus, models.FailedTaskStatus},
		{models.RunningTaskStatus, models.PausedTaskStatus},
		{models.PausedTaskStatus, models.RunningTaskStatus},
		{models.FailedTaskStatus, models.RetryingTaskStatus},
		{models.RetryingTaskStatus, models.QueuedTaskStatus},
		{models.PendingTaskStatus, models.CancelledTaskStatus},
		{models.RunningTaskStatus, models.CancelledTaskStatus},
		{models.RetryingTaskStatus, models.CancelledTaskStatus},
	}
	for _, pair := range legal {
		assert.True(t, engine.TransitionLegal(pair[0], pair[1]), "%s -> %s should be legal", pair[0], pair[1])
	}

	illegal := [][2]models.TaskStatus{
		{models.PendingTaskStatus, models.RunningTaskStatus},
		{models.QueuedTaskStatus, models.CompletedTaskStatus},
		{models.CompletedTaskStatus, models.RunningTaskStatus},
		{models.FailedTaskStatus, models.QueuedTaskStatus},
		{models.CompletedTaskStatus, models.CancelledTaskStatus},
		{models.FailedTaskStatus, models.CancelledTaskStatus},
		{models.CancelledTaskStatus, models.PendingTaskStatus},
	}
	for _, pair := range illegal {
		assert.False(t, engine.TransitionLegal(pair[0], pair[1]), "%s -> %s should be illegal", pair[0], pair[1])
	}
}

func TestTransitioner_Move(t *testing.T) {
	wfID := int64(1)

	saveStep := func(t *testing.T, store storage.Store, id string, status models.TaskStatus) *models.WorkflowStep {
		s := models.WorkflowStep{
			ID:         id,
			WorkflowID: wfID,
			Name:       id,
			StepType:   models.TaskStep,
			Config:     models.StepConfig{Task: &models.TaskStepConfig{TaskType: "noop"}},
		}
		s.Status = status
		assert.NoError(t, store.SaveStep(s))
		return &s
	}

	t.Run("TimestampsSetOnce", func(t *testing.T) {
		store := storage.NewMockStore()
		trans := newTransitioner(store)
		s := saveStep(t, store, "s1", models.PendingTaskStatus)

		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.QueuedTaskStatus, nil, ""))
		assert.NotNil(t, s.ScheduledAt)
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.RunningTaskStatus, nil, ""))
		assert.NotNil(t, s.StartedAt)
		firstStart := *s.StartedAt

		// Fail, retry and run again: started_at keeps its first value,
		// and the transient failure's completed_at does not survive the
		// retry.
		s.MaxRetries = 1
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.FailedTaskStatus, nil, ""))
		assert.NotNil(t, s.CompletedAt)
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.RetryingTaskStatus, nil, ""))
		assert.Nil(t, s.CompletedAt)
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.QueuedTaskStatus, nil, ""))
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.RunningTaskStatus, nil, ""))
		assert.Equal(t, firstStart, *s.StartedAt)

		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.CompletedTaskStatus, nil, ""))
		assert.NotNil(t, s.CompletedAt)
		assert.False(t, s.CompletedAt.Before(*s.StartedAt))
	})

	t.Run("RetrySchedulesBackoff", func(t *testing.T) {
		store := storage.NewMockStore()
		trans := newTransitioner(store)
		s := saveStep(t, store, "s2", models.FailedTaskStatus)
		s.MaxRetries = 3

		before := time.Now()
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.RetryingTaskStatus, nil, ""))
		assert.Equal(t, 1, s.RetryCount)
		assert.NotNil(t, s.NextRetryAt)
		assert.False(t, s.NextRetryAt.Before(before.Add(1*time.Second)))
	})

	t.Run("RetryBudgetExhausted", func(t *testing.T) {
		store := storage.NewMockStore()
		trans := newTransitioner(store)
		s := saveStep(t, store, "s3", models.FailedTaskStatus)
		s.MaxRetries = 1
		s.RetryCount = 1

		err := trans.Move(s.ID, &wfID, &s.NodeMeta, models.RetryingTaskStatus, nil, "")
		assert.Error(t, err)
		assert.Equal(t, models.FailedTaskStatus, s.Status)
	})

	t.Run("ConflictLeavesNodeUntouched", func(t *testing.T) {
		store := storage.NewMockStore()
		trans := newTransitioner(store)
		s := saveStep(t, store, "s4", models.RunningTaskStatus)

		// A competing writer completed the node in the store.
		assert.NoError(t, store.SaveTransition("s4", &wfID, models.RunningTaskStatus, models.CompletedTaskStatus, nil))

		// The stale in-memory copy still thinks it is RUNNING.
		err := trans.Move(s.ID, &wfID, &s.NodeMeta, models.FailedTaskStatus, nil, "timeout")
		assert.ErrorIs(t, err, engine.ErrConflict)
		assert.Equal(t, models.RunningTaskStatus, s.Status)

		// No audit entry for the losing transition.
		entries, err := store.GetAudit(wfID)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("SameStatusIsNoOp", func(t *testing.T) {
		store := storage.NewMockStore()
		trans := newTransitioner(store)
		s := saveStep(t, store, "s5", models.RunningTaskStatus)

		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.RunningTaskStatus, nil, ""))
		entries, err := store.GetAudit(wfID)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("AuditTrailRecordsTransitions", func(t *testing.T) {
		store := storage.NewMockStore()
		trans := newTransitioner(store)
		s := saveStep(t, store, "s6", models.PendingTaskStatus)

		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.QueuedTaskStatus, nil, "ready"))
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.RunningTaskStatus, nil, "dispatched"))
		assert.NoError(t, trans.Move(s.ID, &wfID, &s.NodeMeta, models.CompletedTaskStatus, nil, "done"))

		entries, err := store.GetAudit(wfID)
		assert.NoError(t, err)
		assert.Len(t, entries, 3)
		assert.Equal(t, models.PendingTaskStatus, entries[0].FromStatus)
		assert.Equal(t, models.CompletedTaskStatus, entries[2].ToStatus)
	})
}

func TestTransitioner_ResetForIteration(t *testing.T) {
	store := storage.NewMockStore()
	trans := newTransitioner(store)
	wfID := int64(1)

	s := models.WorkflowStep{
		ID:         "body",
		WorkflowID: wfID,
		Name:       "body",
		StepType:   models.TaskStep,
		Config:     models.StepConfig{Task: &models.TaskStepConfig{TaskType: "noop"}},
	}
	s.Status = models.CompletedTaskStatus
	now := time.Now()
	s.StartedAt = &now
	s.CompletedAt = &now
	s.OutputData = models.Payload{"n": 1}
	assert.NoError(t, store.SaveStep(s))

	assert.NoError(t, trans.ResetForIteration(s.ID, &wfID, &s.NodeMeta))
	assert.Equal(t, models.PendingTaskStatus, s.Status)
	assert.Nil(t, s.StartedAt)
	assert.Nil(t, s.CompletedAt)
	assert.Nil(t, s.OutputData)
	assert.Zero(t, s.RetryCount)

	// The reset is audited.
	entries, err := store.GetAudit(wfID)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "loop reset", entries[0].Message)

	// Non-terminal nodes cannot be reset.
	assert.Error(t, trans.ResetForIteration(s.ID, &wfID, &s.NodeMeta))
}
