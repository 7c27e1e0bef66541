package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/id/uuid"
	"github.com/deepscout/research-coordinator/internal/jobs"
	queuememory "github.com/deepscout/research-coordinator/internal/queue/memory"
	"github.com/deepscout/research-coordinator/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newService(t *testing.T) (*jobs.Service, *queuememory.Queue) {
	t.Helper()
	q := queuememory.NewQueue(16)
	svc := jobs.New(memory.NewJobStore(), q, newFakeClock(), uuid.New(), zap.NewNop())
	return svc, q
}

func TestSubmitCreatesQueuedJobAndSignals(t *testing.T) {
	t.Parallel()
	svc, q := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, []byte(`{"query":"fusion"}`))
	require.NoError(t, err)
	require.Equal(t, coordinator.JobQueued, job.State)
	require.NotEmpty(t, job.ID)

	sig, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, sig.JobID)
	require.Equal(t, "task-1", sig.TaskID)
}

func TestSubmitRequiresTaskID(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	_, err := svc.Submit(context.Background(), "", "search", 1, nil)
	require.ErrorIs(t, err, coordinator.ErrValidation)
}

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
	require.NoError(t, err)

	applied, err := svc.Start(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = svc.Complete(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, coordinator.JobCompleted, got.State)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestGuardFailureIsNoOp(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
	require.NoError(t, err)

	// Completing a job that never started does nothing.
	applied, err := svc.Complete(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, coordinator.JobQueued, got.State)
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
	require.NoError(t, err)

	const schedulers = 16
	results := make([]bool, schedulers)
	var wg sync.WaitGroup
	for i := 0; i < schedulers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			applied, startErr := svc.Start(ctx, job.ID)
			require.NoError(t, startErr)
			results[i] = applied
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestAwaitAuthLinksIntervention(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
	require.NoError(t, err)
	_, err = svc.Start(ctx, job.ID)
	require.NoError(t, err)

	applied, err := svc.AwaitAuth(ctx, job.ID, "item-1")
	require.NoError(t, err)
	require.True(t, applied)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, coordinator.JobAwaitingAuth, got.State)
	require.Equal(t, "item-1", got.InterventionID)
}

func TestAwaitAuthRequiresInterventionID(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	_, err := svc.AwaitAuth(context.Background(), "job-1", "")
	require.ErrorIs(t, err, coordinator.ErrValidation)
}

func TestRequeueClearsLinkAndResignals(t *testing.T) {
	t.Parallel()
	svc, q := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = svc.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = svc.AwaitAuth(ctx, job.ID, "item-1")
	require.NoError(t, err)

	applied, err := svc.Requeue(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, coordinator.JobQueued, got.State)
	require.Empty(t, got.InterventionID)
	require.Nil(t, got.StartedAt)

	sig, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, sig.JobID)
}

func TestRequeueOnlyFromAwaitingAuth(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
	require.NoError(t, err)

	applied, err := svc.Requeue(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	for _, setup := range []func(id string){
		func(string) {},
		func(id string) {
			_, err := svc.Start(ctx, id)
			require.NoError(t, err)
		},
		func(id string) {
			_, err := svc.Start(ctx, id)
			require.NoError(t, err)
			_, err = svc.AwaitAuth(ctx, id, "item-1")
			require.NoError(t, err)
		},
	} {
		job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
		require.NoError(t, err)
		setup(job.ID)

		applied, err := svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, applied)

		got, err := svc.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, coordinator.JobCancelled, got.State)
		require.Empty(t, got.InterventionID)
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "task-1", "search", 1, nil)
	require.NoError(t, err)
	_, err = svc.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = svc.Fail(ctx, job.ID, "engine unavailable")
	require.NoError(t, err)

	applied, err := svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, coordinator.JobFailed, got.State)
	require.Equal(t, "engine unavailable", got.ErrorText)
}
