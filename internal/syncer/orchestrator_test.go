package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidassist/gatesync/internal/conflict"
	"github.com/davidassist/gatesync/internal/logging"
	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/queue"
	"github.com/davidassist/gatesync/internal/remote"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/davidassist/gatesync/internal/syncerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type testEnv struct {
	orch *Orchestrator
	st   *store.Store
	qm   *queue.Manager
	api  *MockAPI
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logging.Discard()
	qm := queue.New(st, queue.DefaultConfig(), logger)
	api := NewMockAPI(ctrl)
	det := conflict.NewDetector(st, logger)
	res := conflict.NewResolver(st, conflict.DefaultRegistry(), nil, logger)

	return &testEnv{
		orch: New(st, qm, api, det, res, cfg, logger),
		st:   st,
		qm:   qm,
		api:  api,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.PushBudget = 3
	cfg.AutoResolve = false
	return cfg
}

// pullToken matches a pull request by its sync token.
type pullToken string

func (p pullToken) Matches(x any) bool {
	req, ok := x.(remote.PullRequest)
	return ok && req.LastSyncToken == string(p)
}

func (p pullToken) String() string {
	return fmt.Sprintf("pull request with token %q", string(p))
}

func emptyPage(token string) *remote.PullResponse {
	return &remote.PullResponse{NextSyncToken: token, HasMore: false}
}

func enqueueUpdate(t *testing.T, env *testEnv, entityID string) string {
	t.Helper()
	e := model.Entity{
		ID:         entityID,
		Type:       "gate",
		Version:    1,
		Fields:     map[string]any{"status": "open", "notes": "local notes"},
		SyncStatus: model.StatusPending,
		UpdatedAt:  2000,
	}
	op := model.OpLogEntry{
		EntityType:  "gate",
		EntityID:    entityID,
		OpType:      model.OpUpdate,
		Payload:     map[string]any{"notes": "local notes"},
		BaseVersion: 1,
	}
	op.OpID = model.NewID()
	require.NoError(t, env.qm.Enqueue(e, op))
	return op.OpID
}

func TestSyncOnce_PushThenPullHappyPath(t *testing.T) {
	env := newTestEnv(t, testConfig())
	opID := enqueueUpdate(t, env, "g1")
	require.NoError(t, env.st.SetCursor("tok-1"))

	env.api.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req remote.PushRequest) (*remote.PushResponse, error) {
			require.Len(t, req.Operations, 1)
			assert.Equal(t, opID, req.Operations[0].OpID)
			assert.Equal(t, "tok-1", req.LastSyncToken)
			return &remote.PushResponse{Accepted: []string{opID}}, nil
		})
	env.api.EXPECT().Pull(gomock.Any(), pullToken("tok-1")).Return(&remote.PullResponse{
		Entities: []model.Entity{{
			ID:      "g2",
			Type:    "gate",
			Version: 1,
			Fields:  map[string]any{"status": "closed"},
		}},
		NextSyncToken: "tok-2",
	}, nil)

	require.NoError(t, env.orch.syncOnce(context.Background()))

	op, err := env.st.GetOp(opID)
	require.NoError(t, err)
	assert.Equal(t, model.OpAcked, op.Status)

	pushed, err := env.st.GetEntity("g1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, pushed.SyncStatus)

	pulled, err := env.st.GetEntity("g2")
	require.NoError(t, err)
	require.NotNil(t, pulled)
	assert.Equal(t, model.StatusSynced, pulled.SyncStatus)

	cursor, err := env.st.Cursor()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cursor)

	assert.False(t, env.orch.Status().LastSyncAt.IsZero())
}

func TestPush_TransientFailureRequeuesBatch(t *testing.T) {
	env := newTestEnv(t, testConfig())
	opID := enqueueUpdate(t, env, "g1")

	env.api.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil,
		fmt.Errorf("push batch: %w", syncerrors.ErrUnavailable))

	err := env.orch.syncOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrUnavailable)

	// Nothing was lost: the operation is queued again with no attempt
	// burned, the entity reverted to pending.
	op, err := env.st.GetOp(opID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, op.Status)
	assert.Zero(t, op.AttemptCount)

	e, err := env.st.GetEntity("g1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, e.SyncStatus)
}

func TestPush_RejectedOpIsFailedPermanent(t *testing.T) {
	env := newTestEnv(t, testConfig())
	opID := enqueueUpdate(t, env, "g1")
	require.NoError(t, env.st.SetCursor("tok-1"))

	env.api.EXPECT().Push(gomock.Any(), gomock.Any()).Return(&remote.PushResponse{
		Rejected: []remote.RejectedOp{{OpID: opID, Status: 422, Reason: "unknown field"}},
	}, nil)
	env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(emptyPage("tok-1"), nil)

	require.NoError(t, env.orch.syncOnce(context.Background()))

	op, err := env.st.GetOp(opID)
	require.NoError(t, err)
	assert.Equal(t, model.OpFailedPermanent, op.Status)
	assert.Contains(t, op.LastError, "unknown field")
}

func TestPush_ConflictMarkerRecordsConflict(t *testing.T) {
	env := newTestEnv(t, testConfig())
	opID := enqueueUpdate(t, env, "g1")
	require.NoError(t, env.st.SetCursor("tok-1"))

	env.api.EXPECT().Push(gomock.Any(), gomock.Any()).Return(&remote.PushResponse{
		Conflicts: []remote.ConflictMarker{{
			OpID:            opID,
			EntityType:      "gate",
			EntityID:        "g1",
			Field:           "notes",
			RemoteValue:     "remote notes",
			RemoteVersion:   3,
			RemoteTimestamp: 5000,
		}},
	}, nil)
	env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(emptyPage("tok-1"), nil)

	require.NoError(t, env.orch.syncOnce(context.Background()))

	open, err := env.st.OpenConflicts()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "notes", open[0].Field)
	assert.Equal(t, "local notes", open[0].LocalValue)

	// The refused operation is out of the queue; resolution decides
	// its fate.
	op, err := env.st.GetOp(opID)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestPush_MissingAckSchedulesRetry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	opID := enqueueUpdate(t, env, "g1")
	require.NoError(t, env.st.SetCursor("tok-1"))

	env.api.EXPECT().Push(gomock.Any(), gomock.Any()).Return(&remote.PushResponse{}, nil)
	env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(emptyPage("tok-1"), nil)

	require.NoError(t, env.orch.syncOnce(context.Background()))

	op, err := env.st.GetOp(opID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, op.Status)
	assert.Equal(t, 1, op.AttemptCount)
	assert.Greater(t, op.NextAttemptAt, int64(0))
}

func TestPull_PagesUntilDone(t *testing.T) {
	env := newTestEnv(t, testConfig())
	require.NoError(t, env.st.SetCursor("t0"))

	gomock.InOrder(
		env.api.EXPECT().Pull(gomock.Any(), pullToken("t0")).Return(&remote.PullResponse{
			Entities:      []model.Entity{{ID: "g1", Type: "gate", Version: 1}},
			NextSyncToken: "t1",
			HasMore:       true,
		}, nil),
		env.api.EXPECT().Pull(gomock.Any(), pullToken("t1")).Return(&remote.PullResponse{
			Entities:      []model.Entity{{ID: "g2", Type: "gate", Version: 1}},
			NextSyncToken: "t2",
			HasMore:       false,
		}, nil),
	)

	require.NoError(t, env.orch.pull(context.Background()))

	for _, id := range []string{"g1", "g2"} {
		e, err := env.st.GetEntity(id)
		require.NoError(t, err)
		require.NotNil(t, e, id)
	}

	cursor, err := env.st.Cursor()
	require.NoError(t, err)
	assert.Equal(t, "t2", cursor)
}

func TestPull_BootstrapsOnFirstRun(t *testing.T) {
	env := newTestEnv(t, testConfig())

	gomock.InOrder(
		env.api.EXPECT().BootstrapToken(gomock.Any()).Return("t0", nil),
		env.api.EXPECT().Pull(gomock.Any(), pullToken("t0")).Return(emptyPage("t0"), nil),
	)

	require.NoError(t, env.orch.pull(context.Background()))

	cursor, err := env.st.Cursor()
	require.NoError(t, err)
	assert.Equal(t, "t0", cursor)
}

func TestPull_CursorExpiredTriggersFullResync(t *testing.T) {
	env := newTestEnv(t, testConfig())
	require.NoError(t, env.st.SetCursor("stale"))

	gomock.InOrder(
		env.api.EXPECT().Pull(gomock.Any(), pullToken("stale")).Return(nil,
			fmt.Errorf("pull: %w", syncerrors.ErrCursorExpired)),
		env.api.EXPECT().BootstrapToken(gomock.Any()).Return("fresh", nil),
		env.api.EXPECT().Pull(gomock.Any(), pullToken("fresh")).Return(&remote.PullResponse{
			Entities:      []model.Entity{{ID: "g1", Type: "gate", Version: 1}},
			NextSyncToken: "fresh-1",
		}, nil),
	)

	require.NoError(t, env.orch.pull(context.Background()))

	e, err := env.st.GetEntity("g1")
	require.NoError(t, err)
	require.NotNil(t, e)

	cursor, err := env.st.Cursor()
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", cursor)
}

func TestPull_DivergentPendingEditCreatesConflict(t *testing.T) {
	env := newTestEnv(t, testConfig())
	enqueueUpdate(t, env, "g1")
	require.NoError(t, env.st.SetCursor("t0"))

	env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(&remote.PullResponse{
		Entities: []model.Entity{{
			ID:        "g1",
			Type:      "gate",
			Version:   2,
			Fields:    map[string]any{"status": "open", "notes": "remote notes"},
			UpdatedAt: 5000,
		}},
		NextSyncToken: "t1",
	}, nil)

	require.NoError(t, env.orch.pull(context.Background()))

	// The remote edit was not blindly applied over the pending local
	// one; a conflict records both sides.
	open, err := env.st.OpenConflicts()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "notes", open[0].Field)

	e, err := env.st.GetEntity("g1")
	require.NoError(t, err)
	assert.Equal(t, "local notes", e.Fields["notes"])
	assert.Equal(t, model.StatusConflicted, e.SyncStatus)
}

func TestReconcile_AutoResolvesMergeableConflicts(t *testing.T) {
	cfg := testConfig()
	cfg.AutoResolve = true
	env := newTestEnv(t, cfg)
	require.NoError(t, env.st.SetCursor("t0"))

	require.NoError(t, env.st.PutEntity(model.Entity{
		ID:      "g1",
		Type:    "gate",
		Version: 2,
		Fields:  map[string]any{"notes": "local notes"},
	}))
	require.NoError(t, env.st.SaveConflict(model.Conflict{
		ID:              "c1",
		EntityType:      "gate",
		EntityID:        "g1",
		Field:           "notes",
		LocalValue:      "local notes",
		RemoteValue:     "remote notes",
		LocalTimestamp:  2000,
		RemoteTimestamp: 3000,
		RemoteVersion:   2,
	}))

	env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(emptyPage("t0"), nil)

	require.NoError(t, env.orch.syncOnce(context.Background()))

	saved, err := env.st.GetConflict("c1")
	require.NoError(t, err)
	assert.Equal(t, model.Merge, saved.Resolution)

	e, err := env.st.GetEntity("g1")
	require.NoError(t, err)
	assert.Equal(t, "local notes"+conflict.NotesSeparator+"remote notes", e.Fields["notes"])
}

func TestTrigger_CoalescesIntoOnePendingRun(t *testing.T) {
	env := newTestEnv(t, testConfig())

	env.orch.Trigger()
	env.orch.Trigger()
	env.orch.Trigger()

	assert.Len(t, env.orch.trigger, 1)
}

func TestStatus_Snapshot(t *testing.T) {
	env := newTestEnv(t, testConfig())
	enqueueUpdate(t, env, "g1")
	enqueueUpdate(t, env, "g2")
	require.NoError(t, env.st.SaveConflict(model.Conflict{ID: "c1", EntityID: "g1", Field: "notes"}))

	st := env.orch.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, 1, st.OpenConflicts)
	assert.Zero(t, st.FailedOps)
	assert.True(t, st.LastSyncAt.IsZero())
}

func TestRun_ErrorStateAndCooldownRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Hour
	cfg.ErrorCooldown = 10 * time.Millisecond
	env := newTestEnv(t, cfg)
	require.NoError(t, env.st.SetCursor("t0"))

	pulled := make(chan struct{})
	gomock.InOrder(
		env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(nil,
			fmt.Errorf("pull: %w", syncerrors.ErrUnavailable)),
		env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, remote.PullRequest) (*remote.PullResponse, error) {
				close(pulled)
				return emptyPage("t0"), nil
			}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.orch.Run(ctx) }()

	// One trigger: the transient failure retries itself after the
	// cooldown without a second external trigger.
	env.orch.Trigger()

	select {
	case <-pulled:
	case <-time.After(5 * time.Second):
		t.Fatal("retry pull never happened")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestRun_LastErrorRetainedUntilNextSuccessfulCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Hour
	cfg.ErrorCooldown = 10 * time.Millisecond
	env := newTestEnv(t, cfg)
	require.NoError(t, env.st.SetCursor("t0"))

	duringRetry := make(chan string, 1)
	gomock.InOrder(
		env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).Return(nil,
			fmt.Errorf("pull: %w", syncerrors.ErrUnavailable)),
		env.api.EXPECT().Pull(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, remote.PullRequest) (*remote.PullResponse, error) {
				duringRetry <- env.orch.Status().LastError
				return emptyPage("t0"), nil
			}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.orch.Run(ctx) }()

	env.orch.Trigger()

	// The failed cycle stays reported after the cooldown returned the
	// state to idle, all the way into the retry.
	select {
	case lastErr := <-duringRetry:
		assert.Contains(t, lastErr, "pull")
	case <-time.After(5 * time.Second):
		t.Fatal("retry pull never happened")
	}

	// A successful cycle clears it.
	require.Eventually(t, func() bool {
		return env.orch.Status().LastError == ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
