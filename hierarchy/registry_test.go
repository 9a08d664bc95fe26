package hierarchy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

func TestRegistry_SingleWriterPerTask(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(persistence.NewMemoryStore(), persistence.NewMemoryLocker(), testLibrary(t), time.Minute, zaptest.NewLogger(t))

	run, err := reg.Open(ctx, testTask)
	require.NoError(t, err)
	assert.Equal(t, []string{testTask}, reg.Active())

	_, err = reg.Open(ctx, testTask)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTaskLocked))

	// 不同任务互不影响
	other, err := reg.Open(ctx, "/tmp/other")
	require.NoError(t, err)
	require.NoError(t, reg.Close(ctx, other))

	require.NoError(t, reg.Close(ctx, run))
	require.NoError(t, reg.Close(ctx, run))
	assert.Empty(t, reg.Active())

	again, err := reg.Open(ctx, testTask)
	require.NoError(t, err)
	require.NoError(t, reg.Close(ctx, again))
}

func TestRegistry_LockSharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	docs := persistence.NewMemoryStore()
	locker := persistence.NewMemoryLocker()
	lib := testLibrary(t)
	a := NewRegistry(docs, locker, lib, time.Minute, zaptest.NewLogger(t))
	b := NewRegistry(docs, locker, lib, time.Minute, zaptest.NewLogger(t))

	run, err := a.Open(ctx, testTask)
	require.NoError(t, err)
	_, err = b.Open(ctx, testTask)
	assert.True(t, types.IsCode(err, types.ErrTaskLocked))

	_, err = run.Manager.Activate(ctx, "alpha", "build")
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx, run))

	run, err = b.Open(ctx, testTask)
	require.NoError(t, err)
	defer b.Close(ctx, run)
	cur, ok := run.Manager.Current()
	require.True(t, ok)
	assert.Equal(t, "alpha", cur.AgentID)
}

func TestRegistry_StopSignalsRun(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(persistence.NewMemoryStore(), persistence.NewMemoryLocker(), testLibrary(t), time.Minute, nil)

	assert.False(t, reg.Stop(testTask))
	run, err := reg.Open(ctx, testTask)
	require.NoError(t, err)
	defer reg.Close(ctx, run)

	assert.True(t, reg.Stop(testTask))
	assert.True(t, run.Stopped())
	assert.False(t, run.LockLost())
	select {
	case <-run.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled")
	}
}

type stealingLocker struct {
	*persistence.MemoryLocker
}

func (l stealingLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	return persistence.ErrLockLost
}

func TestRegistry_HeartbeatLossCancelsRun(t *testing.T) {
	ctx := context.Background()
	locker := stealingLocker{MemoryLocker: persistence.NewMemoryLocker()}
	reg := NewRegistry(persistence.NewMemoryStore(), locker, testLibrary(t), 30*time.Millisecond, zaptest.NewLogger(t))

	run, err := reg.Open(ctx, testTask)
	require.NoError(t, err)
	defer reg.Close(ctx, run)

	select {
	case <-run.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lock loss did not cancel the run")
	}
	assert.True(t, run.LockLost())
	assert.True(t, run.Stopped())
}

func TestRegistry_InspectWithoutLock(t *testing.T) {
	ctx := context.Background()
	docs := persistence.NewMemoryStore()
	reg := NewRegistry(docs, persistence.NewMemoryLocker(), testLibrary(t), time.Minute, nil)

	run, err := reg.Open(ctx, testTask)
	require.NoError(t, err)
	_, err = run.Manager.Activate(ctx, "alpha", "build")
	require.NoError(t, err)

	live, err := reg.Inspect(ctx, testTask)
	require.NoError(t, err)
	assert.Same(t, run.Manager, live)
	require.NoError(t, reg.Close(ctx, run))

	stored, err := reg.Inspect(ctx, testTask)
	require.NoError(t, err)
	assert.Len(t, stored.Stack(), 1)
}
