package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetwork/internal/queue"
	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// countingQueue wraps a Memory engine and counts Add and Clean calls.
type countingQueue struct {
	*queue.Memory
	mu     sync.Mutex
	adds   []types.JobOptions
	cleans int
}

func (q *countingQueue) Add(ctx context.Context, payload map[string]interface{}, opts types.JobOptions) (*types.Job, error) {
	q.mu.Lock()
	q.adds = append(q.adds, opts)
	q.mu.Unlock()
	return q.Memory.Add(ctx, payload, opts)
}

func (q *countingQueue) Clean(ctx context.Context, olderThan time.Duration, state types.JobState) (int, error) {
	q.mu.Lock()
	q.cleans++
	q.mu.Unlock()
	return q.Memory.Clean(ctx, olderThan, state)
}

func (q *countingQueue) addCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.adds)
}

func newQueue(t *testing.T) *countingQueue {
	t.Helper()
	m, err := queue.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &countingQueue{Memory: m}
}

func staticSource(names ...string) SourceFuncs {
	return SourceFuncs{
		Names: func(context.Context) ([]string, error) { return names, nil },
		Details: func(_ context.Context, name string) (types.TaskDetails, error) {
			return types.TaskDetails{Payload: map[string]interface{}{"name": name}}, nil
		},
	}
}

func TestReconcileConvergesThenNoop(t *testing.T) {
	q := newQueue(t)
	r := New(q, staticSource("a", "b", "c"))
	ctx := context.Background()

	outcome, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynchronized, outcome)
	assert.Equal(t, 3, q.addCount())

	for _, id := range []types.JobID{"a", "b", "c"} {
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err, "job %s", id)
		assert.Equal(t, string(id), job.Payload["name"])
		assert.Equal(t, 1, job.Options.Priority)
		assert.True(t, job.Options.RemoveOnComplete)
		assert.True(t, job.Options.RemoveOnFail)
		assert.Equal(t, types.StateDelayed, job.State)
	}

	outcome, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSteady, outcome)
	assert.Equal(t, 3, q.addCount())
}

func TestReconcileEmptyDesiredIsNoop(t *testing.T) {
	q := newQueue(t)
	_, _ = q.Memory.Add(context.Background(), nil, types.JobOptions{JobID: "x"})
	r := New(q, staticSource())

	outcome, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, 0, q.addCount())
	assert.Equal(t, 0, q.cleans)
}

func TestReconcileUnstableOnlyWarns(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	for _, id := range []types.JobID{"a", "b", "c"} {
		_, _ = q.Memory.Add(ctx, nil, types.JobOptions{JobID: id})
	}
	r := New(q, staticSource("a"))

	outcome, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnstable, outcome)
	assert.Equal(t, 0, q.addCount())

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.OnQueue())
}

func TestReconcileAddsOnlyMissing(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	_, _ = q.Memory.Add(ctx, nil, types.JobOptions{JobID: "a"})
	r := New(q, staticSource("a", "b"))

	outcome, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynchronized, outcome)
	require.Equal(t, 1, q.addCount())
	assert.Equal(t, types.JobID("b"), q.adds[0].JobID)
	assert.Equal(t, 1, q.cleans)
}

func TestReconcileCleansOldFailedJobs(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	_, _ = q.Memory.Add(ctx, nil, types.JobOptions{JobID: "a"})
	require.NoError(t, q.MoveToFailed(ctx, "a", errors.New("killed")))

	r := New(q, staticSource("a"), WithCleanAge(0))
	outcome, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynchronized, outcome)

	job, err := q.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StateDelayed, job.State)
}

func TestReconcileTaskOptionsOverrideDefaults(t *testing.T) {
	q := newQueue(t)
	src := SourceFuncs{
		Names: func(context.Context) ([]string, error) { return []string{"a"}, nil },
		Details: func(context.Context, string) (types.TaskDetails, error) {
			return types.TaskDetails{Options: &types.JobOptions{Priority: 7, Attempts: 3}}, nil
		},
	}
	r := New(q, src, WithJobOptions(types.JobOptions{Priority: 2}))

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	job, err := q.GetJob(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 7, job.Options.Priority)
	assert.Equal(t, 3, job.Options.Attempts)
	assert.Equal(t, types.StateWaiting, job.State)
}

func TestReconcileDuplicateNames(t *testing.T) {
	q := newQueue(t)
	r := New(q, staticSource("a", "a", ""))

	outcome, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynchronized, outcome)
	assert.Equal(t, 1, q.addCount())

	outcome, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSteady, outcome)
}

func TestReconcileSourceErrors(t *testing.T) {
	q := newQueue(t)
	boom := errors.New("boom")

	r := New(q, SourceFuncs{Names: func(context.Context) ([]string, error) { return nil, boom }})
	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, boom)

	r = New(q, SourceFuncs{
		Names:   func(context.Context) ([]string, error) { return []string{"a"}, nil },
		Details: func(context.Context, string) (types.TaskDetails, error) { return types.TaskDetails{}, boom },
	})
	_, err = r.Reconcile(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, q.addCount())
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  - name: ingest-eu
    payload:
      region: eu
    options:
      priority: 2
      attempts: 3
      delay: 2s
  - name: ingest-us
`), 0644))

	src := FileSource{Path: path}
	ctx := context.Background()

	names, err := src.TaskNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest-eu", "ingest-us"}, names)

	d, err := src.TaskDetails(ctx, "ingest-eu")
	require.NoError(t, err)
	assert.Equal(t, "eu", d.Payload["region"])
	require.NotNil(t, d.Options)
	assert.Equal(t, 2, d.Options.Priority)
	assert.Equal(t, 2*time.Second, d.Options.Delay)

	d, err = src.TaskDetails(ctx, "ingest-us")
	require.NoError(t, err)
	assert.Nil(t, d.Options)

	_, err = src.TaskDetails(ctx, "missing")
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "none.yaml")}.TaskNames(ctx)
	assert.Error(t, err)
}
