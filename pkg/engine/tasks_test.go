package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/storage"
)

func newTask(id, taskType string) *models.Task {
	t := &models.Task{ID: id, Name: id, TaskType: taskType}
	t.Status = models.PendingTaskStatus
	return t
}

func waitForTask(t *testing.T, store storage.Store, id string, want models.TaskStatus) models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		if task.Status.Terminal() {
			t.Fatalf("task %s ended %s, want %s", id, task.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(id)
	t.Fatalf("task %s stuck in %s, want %s", id, task.Status, want)
	return models.Task{}
}

func TestEngine_SubmitTask(t *testing.T) {
	store := storage.NewMockStore()
	eng := startEngine(t, store, nil)

	require.NoError(t, eng.RegisterRunner("echo", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			return models.Payload{"echo": config["msg"]}, nil
		})))

	t.Run("RunsToCompletion", func(t *testing.T) {
		task := newTask("t1", "echo")
		task.ExecutionContext = models.Payload{"msg": "hi"}
		require.NoError(t, eng.SubmitTask(task))

		got := waitForTask(t, store, "t1", models.CompletedTaskStatus)
		assert.Equal(t, "hi", got.OutputData["echo"])
		assert.NotNil(t, got.ActualDuration)
	})

	t.Run("UnknownRunnerRejected", func(t *testing.T) {
		err := eng.SubmitTask(newTask("t2", "nope"))
		var vErr *engine.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("MissingIDRejected", func(t *testing.T) {
		task := newTask("", "echo")
		err := eng.SubmitTask(task)
		var vErr *engine.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		require.NoError(t, eng.SubmitTask(newTask("dup", "echo")))
		assert.Error(t, eng.SubmitTask(newTask("dup", "echo")))
	})
}

func TestEngine_TaskDependencies(t *testing.T) {
	store := storage.NewMockStore()
	eng := startEngine(t, store, nil)

	var mu chan struct{} = make(chan struct{}, 1)
	mu <- struct{}{}
	var order []string
	require.NoError(t, eng.RegisterRunner("echo", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			<-mu
			order = append(order, config["id"].(string))
			mu <- struct{}{}
			if fail, _ := config["fail"].(bool); fail {
				return nil, errors.New("boom")
			}
			return models.Payload{}, nil
		})))

	t.Run("CompletionOrdering", func(t *testing.T) {
		up := newTask("up", "echo")
		up.ExecutionContext = models.Payload{"id": "up"}
		down := newTask("down", "echo")
		down.ExecutionContext = models.Payload{"id": "down"}

		require.NoError(t, eng.SubmitTask(up))
		require.NoError(t, eng.SubmitTask(down))
		require.NoError(t, eng.AddTaskDependency(models.TaskDependency{
			TaskID: "down", DependsOn: "up", Kind: models.CompletionDependency,
		}))

		waitForTask(t, store, "down", models.CompletedTaskStatus)
		<-mu
		assert.Equal(t, []string{"up", "down"}, order)
		mu <- struct{}{}
	})

	t.Run("CycleRejected", func(t *testing.T) {
		a := newTask("ca", "echo")
		a.ExecutionContext = models.Payload{"id": "ca"}
		b := newTask("cb", "echo")
		b.ExecutionContext = models.Payload{"id": "cb"}
		require.NoError(t, eng.SubmitTask(a))
		require.NoError(t, eng.SubmitTask(b))

		require.NoError(t, eng.AddTaskDependency(models.TaskDependency{TaskID: "cb", DependsOn: "ca"}))
		err := eng.AddTaskDependency(models.TaskDependency{TaskID: "ca", DependsOn: "cb"})
		var cErr *engine.CycleError
		assert.ErrorAs(t, err, &cErr)
	})

	t.Run("UpstreamFailureCancelsDependent", func(t *testing.T) {
		bad := newTask("bad", "echo")
		bad.ExecutionContext = models.Payload{"id": "bad", "fail": true}
		dep := newTask("dep", "echo")
		dep.ExecutionContext = models.Payload{"id": "dep"}

		require.NoError(t, eng.SubmitTask(bad))
		require.NoError(t, eng.SubmitTask(dep))
		require.NoError(t, eng.AddTaskDependency(models.TaskDependency{TaskID: "dep", DependsOn: "bad"}))

		got := waitForTask(t, store, "dep", models.CancelledTaskStatus)
		assert.Equal(t, "upstream_failed", got.ErrorInfo)

		// A failed task records no duration; that belongs to success.
		badGot, err := store.GetTask("bad")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, badGot.Status)
		assert.Nil(t, badGot.ActualDuration)
	})
}

func TestEngine_TaskRetry(t *testing.T) {
	store := storage.NewMockStore()
	eng := startEngine(t, store, nil)

	var attempts int32
	require.NoError(t, eng.RegisterRunner("flaky", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, errors.New("try again")
			}
			return models.Payload{}, nil
		})))

	task := newTask("flaky1", "flaky")
	task.MaxRetries = 2
	require.NoError(t, eng.SubmitTask(task))

	got := waitForTask(t, store, "flaky1", models.CompletedTaskStatus)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
	assert.Equal(t, 1, got.RetryCount)

	// Duration spans the whole lifecycle, first attempt included.
	require.NotNil(t, got.ActualDuration)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, got.CompletedAt.Sub(*got.StartedAt), *got.ActualDuration)
}

func TestEngine_CancelTask(t *testing.T) {
	store := storage.NewMockStore()
	eng := startEngine(t, store, nil)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, eng.RegisterRunner("slow", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			select {
			case <-block:
				return models.Payload{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})))

	task := newTask("slow1", "slow")
	require.NoError(t, eng.SubmitTask(task))

	waitForTask(t, store, "slow1", models.RunningTaskStatus)
	require.NoError(t, eng.CancelTask("slow1"))
	got := waitForTask(t, store, "slow1", models.CancelledTaskStatus)
	assert.Nil(t, got.ActualDuration)

	// Cancelling a terminal task is rejected.
	assert.Error(t, eng.CancelTask("slow1"))
}

func TestEngine_RemoveTask(t *testing.T) {
	store := storage.NewMockStore()
	eng := startEngine(t, store, nil)

	require.NoError(t, eng.RegisterRunner("echo", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			return models.Payload{}, nil
		})))

	task := newTask("gone", "echo")
	require.NoError(t, eng.SubmitTask(task))
	waitForTask(t, store, "gone", models.CompletedTaskStatus)

	require.NoError(t, eng.RemoveTask("gone"))
	// Unknown to the pool now; a second removal is a no-op.
	assert.NoError(t, eng.RemoveTask("gone"))
}
