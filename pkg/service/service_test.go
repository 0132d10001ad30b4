package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/service"
	"github.com/taskgrid/taskgrid/pkg/storage"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

func newService(t *testing.T, store storage.Store) *service.WorkflowService {
	cfg := engine.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.RetryBaseDelay = 10 * time.Millisecond
	svc := service.NewWorkflowServiceWithConfig(context.Background(), store, testLogger{}, cfg, nil, nil)
	t.Cleanup(svc.Stop)
	return svc
}

func taskStep(id string, order int) models.WorkflowStep {
	s := models.WorkflowStep{
		ID:       id,
		Name:     id,
		StepType: models.TaskStep,
		Config: models.StepConfig{
			Task: &models.TaskStepConfig{TaskType: "work"},
		},
		StepOrder: order,
	}
	s.Status = models.PendingTaskStatus
	return s
}

func TestCreateWorkflow(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store)

	t.Run("EmptyNameRejected", func(t *testing.T) {
		_, err := svc.CreateWorkflow("", nil, nil)
		assert.Error(t, err)
	})

	t.Run("LongNameRejected", func(t *testing.T) {
		name := make([]byte, 101)
		for i := range name {
			name[i] = 'x'
		}
		_, err := svc.CreateWorkflow(string(name), nil, nil)
		assert.Error(t, err)
	})

	t.Run("NoStepsStaysDraft", func(t *testing.T) {
		id, err := svc.CreateWorkflow("empty", nil, nil)
		require.NoError(t, err)
		wf, err := svc.GetWorkflow(id)
		require.NoError(t, err)
		assert.Equal(t, models.DraftWorkflowStatus, wf.Status)
	})

	t.Run("ValidGraphPromotedToReady", func(t *testing.T) {
		id, err := svc.CreateWorkflow("pipeline",
			[]models.WorkflowStep{taskStep("a", 1), taskStep("b", 2)},
			[]models.StepDependency{{StepID: "b", DependsOn: "a"}})
		require.NoError(t, err)

		wf, err := svc.GetWorkflowGraph(id)
		require.NoError(t, err)
		assert.Equal(t, models.ReadyWorkflowStatus, wf.Status)
		assert.Len(t, wf.Steps, 2)
		assert.Len(t, wf.Dependencies, 1)
		// Failed steps are retried unless opted out.
		assert.True(t, wf.RetryFailedSteps)
	})

	t.Run("CycleRejectedSynchronously", func(t *testing.T) {
		before, err := svc.ListWorkflows()
		require.NoError(t, err)

		_, err = svc.CreateWorkflow("cyclic",
			[]models.WorkflowStep{taskStep("a", 1), taskStep("b", 2)},
			[]models.StepDependency{
				{StepID: "a", DependsOn: "b"},
				{StepID: "b", DependsOn: "a"},
			})
		var cErr *engine.CycleError
		assert.ErrorAs(t, err, &cErr)

		// Nothing persisted.
		after, err := svc.ListWorkflows()
		require.NoError(t, err)
		assert.Len(t, after, len(before))
	})

	t.Run("MalformedStepRejected", func(t *testing.T) {
		bad := models.WorkflowStep{ID: "bad", Name: "bad", StepType: models.TaskStep}
		_, err := svc.CreateWorkflow("broken", []models.WorkflowStep{bad}, nil)
		var vErr *engine.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("Options", func(t *testing.T) {
		id, err := svc.CreateWorkflow("tuned",
			[]models.WorkflowStep{taskStep("a", 1)}, nil,
			service.WithMaxParallelSteps(2),
			service.WithWorkflowTimeout(time.Minute),
			service.WithContext(models.Payload{"env": "test"}),
			service.WithoutStepRetries())
		require.NoError(t, err)

		wf, err := svc.GetWorkflow(id)
		require.NoError(t, err)
		assert.Equal(t, 2, wf.MaxParallelSteps)
		require.NotNil(t, wf.Timeout)
		assert.Equal(t, time.Minute, *wf.Timeout)
		assert.False(t, wf.RetryFailedSteps)
	})
}

func TestWorkflowLifecycleEndToEnd(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store)

	require.NoError(t, svc.RegisterTask("work", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			return models.Payload{"ok": true}, nil
		})))

	id, err := svc.CreateWorkflow("e2e",
		[]models.WorkflowStep{taskStep("a", 1), taskStep("b", 2)},
		[]models.StepDependency{{StepID: "b", DependsOn: "a"}})
	require.NoError(t, err)
	require.NoError(t, svc.StartWorkflow(id))

	require.Eventually(t, func() bool {
		wf, err := svc.GetWorkflow(id)
		return err == nil && wf.Status == models.CompletedWorkflowStatus
	}, 5*time.Second, 20*time.Millisecond)

	wf, err := svc.GetWorkflow(id)
	require.NoError(t, err)
	assert.Contains(t, wf.Results, "a")
	assert.Contains(t, wf.Results, "b")

	entries, err := svc.GetAudit(id)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestWorkflowConditionUsesDefaultEvaluator(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store)

	require.NoError(t, svc.RegisterTask("work", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			return models.Payload{}, nil
		})))

	cond := models.WorkflowStep{
		ID: "gate", Name: "gate", StepType: models.ConditionStep,
		Config: models.StepConfig{Condition: &models.ConditionConfig{
			Expression:     "env == prod",
			TruePathSteps:  []string{"deploy"},
			FalsePathSteps: []string{"dryrun"},
		}},
	}
	cond.Status = models.PendingTaskStatus

	id, err := svc.CreateWorkflow("gated",
		[]models.WorkflowStep{cond, taskStep("deploy", 2), taskStep("dryrun", 3)}, nil,
		service.WithContext(models.Payload{"env": "staging"}))
	require.NoError(t, err)
	require.NoError(t, svc.StartWorkflow(id))

	require.Eventually(t, func() bool {
		wf, err := svc.GetWorkflow(id)
		return err == nil && wf.Status == models.CompletedWorkflowStatus
	}, 5*time.Second, 20*time.Millisecond)

	deploy, err := store.GetStep("deploy", id)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledTaskStatus, deploy.Status)
	dryrun, err := store.GetStep("dryrun", id)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedTaskStatus, dryrun.Status)
}

func TestStartWorkflowRequiresReady(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store)

	id, err := svc.CreateWorkflow("draft-only", nil, nil)
	require.NoError(t, err)
	assert.Error(t, svc.StartWorkflow(id))
}

func TestCancelWorkflowBeforeStart(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store)

	require.NoError(t, svc.RegisterTask("work", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			return models.Payload{}, nil
		})))

	id, err := svc.CreateWorkflow("never-started",
		[]models.WorkflowStep{taskStep("a", 1)}, nil)
	require.NoError(t, err)

	// READY but never scheduled: cancellation still lands.
	require.NoError(t, svc.CancelWorkflow(id))

	wf, err := svc.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledWorkflowStatus, wf.Status)

	// Terminal now: neither a second cancel nor a start is accepted.
	assert.Error(t, svc.CancelWorkflow(id))
	assert.Error(t, svc.StartWorkflow(id))
}

func TestStepIDsScopedPerWorkflow(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store)

	require.NoError(t, svc.RegisterTask("work", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			return models.Payload{"wf": config["tag"]}, nil
		})))

	makeWorkflow := func(name, tag string) int64 {
		s := taskStep("a", 1)
		s.Config.Task.TaskConfig = models.Payload{"tag": tag}
		id, err := svc.CreateWorkflow(name, []models.WorkflowStep{s}, nil)
		require.NoError(t, err)
		return id
	}

	// Both workflows carry a step named "a"; neither creation nor
	// execution may bleed across them.
	first := makeWorkflow("tenant-1", "one")
	second := makeWorkflow("tenant-2", "two")

	require.NoError(t, svc.StartWorkflow(first))
	require.NoError(t, svc.StartWorkflow(second))

	for _, id := range []int64{first, second} {
		require.Eventually(t, func() bool {
			wf, err := svc.GetWorkflow(id)
			return err == nil && wf.Status == models.CompletedWorkflowStatus
		}, 5*time.Second, 20*time.Millisecond)
	}

	a1, err := store.GetStep("a", first)
	require.NoError(t, err)
	assert.Equal(t, "one", a1.OutputData["wf"])
	a2, err := store.GetStep("a", second)
	require.NoError(t, err)
	assert.Equal(t, "two", a2.OutputData["wf"])
}

func TestTaskService(t *testing.T) {
	store := storage.NewMockStore()
	svc := newService(t, store)
	tasks := svc.Tasks()

	require.NoError(t, svc.RegisterTask("echo", engine.TaskRunnerFunc(
		func(ctx context.Context, config, input models.Payload) (models.Payload, error) {
			return models.Payload{"ok": true}, nil
		})))

	t.Run("SubmitGeneratesID", func(t *testing.T) {
		task := &models.Task{Name: "adhoc", TaskType: "echo"}
		id, err := tasks.SubmitTask(task)
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		require.Eventually(t, func() bool {
			got, err := tasks.GetTask(id)
			return err == nil && got.Status == models.CompletedTaskStatus
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("UnknownTypeRejected", func(t *testing.T) {
		_, err := tasks.SubmitTask(&models.Task{Name: "x", TaskType: "nope"})
		assert.Error(t, err)
	})

	t.Run("DeleteRequiresTerminal", func(t *testing.T) {
		task := &models.Task{ID: "del1", TaskType: "echo"}
		id, err := tasks.SubmitTask(task)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			got, err := tasks.GetTask(id)
			return err == nil && got.Status == models.CompletedTaskStatus
		}, 5*time.Second, 20*time.Millisecond)

		require.NoError(t, tasks.DeleteTask(id))
		_, err = tasks.GetTask(id)
		assert.Error(t, err)
	})
}
