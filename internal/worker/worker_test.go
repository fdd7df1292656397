package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/d9705996/gatekeep/internal/jobs"
	"github.com/d9705996/gatekeep/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInline(t *testing.T, h worker.Handlers) worker.Queue {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := worker.New(context.Background(), nil, "sqlite", 1, h, log)
	require.NoError(t, err)
	return q
}

func TestInline_DispatchesByKind(t *testing.T) {
	var gotCascade *jobs.CascadeRemovalArgs
	var gotDeferred *jobs.DeferredLinkArgs
	var gotNotify *jobs.NotifyArgs
	q := newInline(t, worker.Handlers{
		Cascade: func(_ context.Context, a jobs.CascadeRemovalArgs) error {
			gotCascade = &a
			return nil
		},
		Deferred: func(_ context.Context, a jobs.DeferredLinkArgs) error {
			gotDeferred = &a
			return nil
		},
		Notify: func(_ context.Context, a jobs.NotifyArgs) error {
			gotNotify = &a
			return nil
		},
	})

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, jobs.CascadeRemovalArgs{UserID: "u1", OrgID: "o1"}))
	require.NoError(t, q.Enqueue(ctx, jobs.DeferredLinkArgs{Op: "upsert", SubjectID: "u1"}))
	require.NoError(t, q.Enqueue(ctx, jobs.NotifyArgs{Event: "link_added", UserID: "u1"}))

	require.NotNil(t, gotCascade)
	assert.Equal(t, "o1", gotCascade.OrgID)
	require.NotNil(t, gotDeferred)
	assert.Equal(t, "upsert", gotDeferred.Op)
	require.NotNil(t, gotNotify)
	assert.Equal(t, "link_added", gotNotify.Event)
}

func TestInline_HandlerErrorSurfacesToCaller(t *testing.T) {
	boom := errors.New("boom")
	q := newInline(t, worker.Handlers{
		Cascade: func(context.Context, jobs.CascadeRemovalArgs) error { return boom },
	})

	err := q.Enqueue(context.Background(), jobs.CascadeRemovalArgs{UserID: "u1", OrgID: "o1"})
	require.ErrorIs(t, err, boom)
}

func TestInline_MissingHandlerIsNoop(t *testing.T) {
	q := newInline(t, worker.Handlers{})
	require.NoError(t, q.Enqueue(context.Background(), jobs.NotifyArgs{Event: "link_added"}))
}

func TestInline_Lifecycle(t *testing.T) {
	q := newInline(t, worker.Handlers{})
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Stop(ctx))
}
