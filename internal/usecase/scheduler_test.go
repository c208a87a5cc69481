package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/infrastructure/joblock"
	"ObituaryScanner/internal/infrastructure/storage"
)

type fakeDriver struct {
	mu      sync.Mutex
	specs   []string
	jobs    []func(time.Time)
	started bool
}

func (d *fakeDriver) Add(spec string, job func(time.Time)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.specs = append(d.specs, spec)
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDriver) Start(context.Context) error {
	d.started = true
	return nil
}

func (d *fakeDriver) Stop(context.Context) error {
	d.started = false
	return nil
}

func newTestJobs(locker *joblock.MemoryLocker) (*Jobs, *storage.MemoryObituaryStore) {
	store := storage.NewMemoryObituaryStore()
	chat := &scriptedChat{replies: []reply{{content: janeRewrite}}}
	rewriter := newRewriter(store, chat, newLimiter(40000), config.LLMConfig{MaxTokens: 600})
	auditor := newAuditor(store, chat, false, time.Now())
	return NewJobs(nil, rewriter, auditor, locker, time.Minute, discardLogger()), store
}

func TestJobsSkipWhenSameJobIsRunning(t *testing.T) {
	t.Parallel()

	locker := joblock.NewMemoryLocker(nil)
	jobs, store := newTestJobs(locker)
	store.Put(janeDoe())
	ctx := context.Background()

	release, ok, err := locker.TryAcquire(ctx, JobRewrite, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = jobs.Rewrite(ctx)
	assert.ErrorIs(t, err, ErrJobRunning)

	audit, err := jobs.Audit(ctx)
	require.NoError(t, err, "a different job type may run")
	assert.Zero(t, audit.Processed)

	release()
	res, err := jobs.Rewrite(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	_, ok, err = locker.TryAcquire(ctx, JobRewrite, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock released after the run")
}

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	t.Parallel()

	jobs, store := newTestJobs(joblock.NewMemoryLocker(nil))
	store.Put(janeDoe())
	driver := &fakeDriver{}
	s := NewScheduler(driver, jobs, config.SchedulerConfig{Rewrite: "*/10 * * * *", Audit: "30 3 * * *"}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, driver.started)
	assert.Equal(t, []string{"*/10 * * * *", "30 3 * * *"}, driver.specs)

	driver.jobs[0](time.Now())
	published, err := store.ListPublishedForAudit(context.Background(), 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, published, 1)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, driver.started)
}
