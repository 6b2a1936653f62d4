package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	rs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rs.RunID)
	assert.Equal(t, "deploy", rs.Workflow)
	assert.Equal(t, "all", rs.Flow)
	assert.Equal(t, schema.RunStatusNotStarted, rs.Status)
	assert.Empty(t, rs.Steps)
}

func TestStore_InitRefreshesRunIdentity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// A fresh run in a reused directory gets a new identity, not the old one.
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))
	require.NoError(t, s.MarkStepFailed(ctx, "push", "boom"))
	require.NoError(t, s.ResetState(ctx))
	require.NoError(t, s.Init(ctx, "run-2", "other", "fast"))

	rs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", rs.RunID)
	assert.Equal(t, "other", rs.Workflow)
	assert.Equal(t, "fast", rs.Flow)
	assert.Equal(t, schema.RunStatusNotStarted, rs.Status)
}

func TestStore_SetStatusRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	// not_started cannot jump straight to completed.
	err := s.SetStatus(ctx, schema.RunStatusCompleted)
	require.Error(t, err)
	se, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, se.Code)

	require.NoError(t, s.SetStatus(ctx, schema.RunStatusInProgress))
	require.NoError(t, s.MarkRunCompleted(ctx))

	// Completed is terminal.
	err = s.SetStatus(ctx, schema.RunStatusInProgress)
	require.Error(t, err)
	rs, loadErr := s.Load(ctx)
	require.NoError(t, loadErr)
	assert.Equal(t, schema.RunStatusCompleted, rs.Status)
}

func TestStore_StepMarksRespectTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))
	require.NoError(t, s.SetStatus(ctx, schema.RunStatusInProgress))

	// Consecutive failures and a recovery success are all legal moves.
	require.NoError(t, s.MarkStepFailed(ctx, "a", "boom"))
	require.NoError(t, s.MarkStepFailed(ctx, "b", "boom again"))
	require.NoError(t, s.MarkStepSuccess(ctx, "c", map[string]any{"result": "ok"}))

	rs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusInProgress, rs.Status)

	// But nothing moves a completed run.
	require.NoError(t, s.MarkRunCompleted(ctx))
	err = s.MarkStepFailed(ctx, "d", "too late")
	require.Error(t, err)
	se, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, se.Code)
}

func TestStore_ClearStepRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	require.NoError(t, s.MarkStepFailed(ctx, "push", "boom"))
	require.NoError(t, s.ClearStepRecord(ctx, "push"))

	rs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, rs.Steps, "push")
}

func TestStore_StepOutcomes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	require.NoError(t, s.MarkStepSuccess(ctx, "build", map[string]any{"result": "ok"}))
	require.NoError(t, s.MarkStepFailed(ctx, "push", "registry unreachable"))

	rs, err := s.Load(ctx)
	require.NoError(t, err)

	build := rs.Steps["build"]
	assert.Equal(t, StepStatusSuccess, build.Status)
	assert.Equal(t, map[string]any{"result": "ok"}, build.Output)

	push := rs.Steps["push"]
	assert.Equal(t, StepStatusFailed, push.Status)
	assert.Equal(t, "registry unreachable", push.Error)

	// A step failure marks the run failed.
	assert.Equal(t, schema.RunStatusFailed, rs.Status)
}

func TestStore_SuccessOverwritesFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	require.NoError(t, s.MarkStepFailed(ctx, "push", "boom"))
	require.NoError(t, s.MarkStepSuccess(ctx, "push", map[string]any{"result": 1}))

	rs, err := s.Load(ctx)
	require.NoError(t, err)
	push := rs.Steps["push"]
	assert.Equal(t, StepStatusSuccess, push.Status)
	assert.Empty(t, push.Error)
}

func TestStore_CompletedOutputs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	require.NoError(t, s.MarkStepSuccess(ctx, "a", map[string]any{"result": float64(1)}))
	require.NoError(t, s.MarkStepSuccess(ctx, "b", map[string]any{"x": "y"}))
	require.NoError(t, s.MarkStepFailed(ctx, "c", "nope"))

	outputs, err := s.CompletedOutputs(ctx)
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
	assert.Equal(t, map[string]any{"result": float64(1)}, outputs["a"])
	assert.NotContains(t, outputs, "c")
}

func TestStore_RetryCounters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	count, err := s.StepRetryCount(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = s.IncrementStepRetry(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.IncrementStepRetry(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.ResetStepRetries(ctx, "flaky"))
	count, err = s.StepRetryCount(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_RetryClearedOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	_, err := s.IncrementStepRetry(ctx, "flaky")
	require.NoError(t, err)
	require.NoError(t, s.MarkStepSuccess(ctx, "flaky", map[string]any{}))

	count, err := s.StepRetryCount(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_ErrorFlowTarget(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	target, err := s.ErrorFlowTarget(ctx)
	require.NoError(t, err)
	assert.Empty(t, target)

	require.NoError(t, s.SetErrorFlowTarget(ctx, "cleanup"))
	target, err = s.ErrorFlowTarget(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", target)

	require.NoError(t, s.ClearErrorFlowTarget(ctx))
	target, err = s.ErrorFlowTarget(ctx)
	require.NoError(t, err)
	assert.Empty(t, target)
}

func TestStore_ResetState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	require.NoError(t, s.MarkStepFailed(ctx, "a", "boom"))
	_, err := s.IncrementStepRetry(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.SetErrorFlowTarget(ctx, "cleanup"))
	require.NoError(t, s.AppendEvent(ctx, &Event{Type: schema.EventRunStarted}))

	require.NoError(t, s.ResetState(ctx))

	rs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusNotStarted, rs.Status)
	assert.Empty(t, rs.Steps)
	assert.Empty(t, rs.Retries)
	assert.Empty(t, rs.ErrorFlowTarget)

	events, err := s.Events(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_EventSequence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, "run-1", "deploy", "all"))

	for _, typ := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{Type: typ, Step: "a",
			Payload: map[string]any{"k": "v"}}))
	}

	events, err := s.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)
	assert.Equal(t, map[string]any{"k": "v"}, events[1].Payload)

	tail, err := s.Events(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(dir))

	s, err := Open(context.Background(), dir)
	require.NoError(t, err)
	s.Close()

	assert.True(t, Exists(dir))
}
