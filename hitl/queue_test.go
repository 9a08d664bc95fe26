package hitl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agenttree/persistence"
	"github.com/BaSui01/agenttree/types"
)

const taskID = "/home/dev/workspace/site"

func newTestQueue(t *testing.T) (*Queue, *persistence.MemoryStore) {
	t.Helper()
	docs := persistence.NewMemoryStore()
	return NewQueue(docs, 10*time.Millisecond, zaptest.NewLogger(t)), docs
}

func TestQueue_RequestAndRespond(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Request(ctx, RequestOptions{TaskID: taskID, AgentID: "coder_agent", Instruction: "log in please"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Nil(t, task.Response)

	pending, err := q.Pending(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, pending.ID)

	got, err := q.Respond(ctx, task.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, got.Status)
	require.NotNil(t, got.Response)
	assert.Equal(t, "done", *got.Response)
	assert.NotNil(t, got.RespondedAt)

	_, err = q.Pending(ctx, taskID)
	assert.True(t, types.IsCode(err, types.ErrHILNotFound))
}

func TestQueue_AtMostOnePendingPerTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "a"})
	require.NoError(t, err)

	_, err = q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "b"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrHILAlreadyPending))

	// 其他任务不受影响
	_, err = q.Request(ctx, RequestOptions{TaskID: "/other/task", Instruction: "c"})
	require.NoError(t, err)

	_, err = q.Respond(ctx, first.ID, "ok")
	require.NoError(t, err)
	_, err = q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "d"})
	assert.NoError(t, err)
}

func TestQueue_RespondOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "x"})
	require.NoError(t, err)
	_, err = q.Respond(ctx, task.ID, "first")
	require.NoError(t, err)

	_, err = q.Respond(ctx, task.ID, "second")
	assert.True(t, types.IsCode(err, types.ErrHILAlreadyResponded))

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", *got.Response)
}

func TestQueue_UnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Respond(context.Background(), "missing", "x")
	assert.True(t, types.IsCode(err, types.ErrHILNotFound))

	_, err = q.Get(context.Background(), "../etc")
	assert.True(t, types.IsCode(err, types.ErrHILNotFound))
}

func TestQueue_RequestValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Request(context.Background(), RequestOptions{Instruction: "x"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestQueue_WaitWakesOnLocalRespond(t *testing.T) {
	q, _ := newTestQueue(t)
	q.pollInterval = time.Hour
	ctx := context.Background()

	task, err := q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "x"})
	require.NoError(t, err)

	done := make(chan *Task, 1)
	go func() {
		got, err := q.Wait(ctx, task.ID)
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = q.Respond(ctx, task.ID, "approved")
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "approved", *got.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestQueue_WaitPollsResponseFromAnotherProcess(t *testing.T) {
	q, docs := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "x"})
	require.NoError(t, err)

	// 另一个进程（同一持久化存储）写入回复
	other := NewQueue(docs, time.Hour, nil)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = other.Respond(ctx, task.ID, "from ui")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := q.Wait(waitCtx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "from ui", *got.Response)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	q, docs := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "x"})
	require.NoError(t, err)

	restarted := NewQueue(docs, 10*time.Millisecond, nil)
	pending, err := restarted.Pending(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, pending.ID)

	_, err = restarted.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "y"})
	assert.True(t, types.IsCode(err, types.ErrHILAlreadyPending))
}

func TestQueue_WaitCancelled(t *testing.T) {
	q, _ := newTestQueue(t)
	task, err := q.Request(context.Background(), RequestOptions{TaskID: taskID, Instruction: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = q.Wait(ctx, task.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, q.waiters)
}

func TestQueue_Expire(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Request(ctx, RequestOptions{TaskID: taskID, NodeID: "alpha_1", Instruction: "dark or light?"})
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := q.Wait(ctx, task.ID)
		waitErr <- err
	}()

	got, err := q.Expire(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.NotNil(t, got.ExpiredAt)
	assert.Nil(t, got.Response)

	select {
	case err := <-waitErr:
		assert.True(t, types.IsCode(err, types.ErrHILExpired))
	case <-time.After(time.Second):
		t.Fatal("waiter not released by expire")
	}

	_, err = q.Pending(ctx, taskID)
	assert.True(t, types.IsCode(err, types.ErrHILNotFound))

	_, err = q.Respond(ctx, task.ID, "dark")
	assert.True(t, types.IsCode(err, types.ErrHILExpired))

	again, err := q.Expire(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, again.Status)

	next, err := q.Request(ctx, RequestOptions{TaskID: taskID, NodeID: "alpha_1", Instruction: "which font?"})
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, next.ID)
}

func TestQueue_ExpireAfterRespond(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task, err := q.Request(ctx, RequestOptions{TaskID: taskID, Instruction: "dark or light?"})
	require.NoError(t, err)
	_, err = q.Respond(ctx, task.ID, "dark")
	require.NoError(t, err)

	_, err = q.Expire(ctx, task.ID)
	assert.True(t, types.IsCode(err, types.ErrHILAlreadyResponded))

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, got.Status)
}

func TestQueue_List(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Request(ctx, RequestOptions{TaskID: "/t/a", Instruction: "a"})
	require.NoError(t, err)
	_, err = q.Request(ctx, RequestOptions{TaskID: "/t/b", Instruction: "b"})
	require.NoError(t, err)
	_, err = q.Respond(ctx, a.ID, "ok")
	require.NoError(t, err)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := q.List(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/t/b", pending[0].TaskID)
}

type failingStore struct {
	*persistence.MemoryStore
	putErr error
}

func (s *failingStore) Put(ctx context.Context, key string, data []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStore.Put(ctx, key, data)
}

func TestQueue_PersistenceFailure(t *testing.T) {
	docs := &failingStore{MemoryStore: persistence.NewMemoryStore(), putErr: errors.New("disk full")}
	q := NewQueue(docs, time.Millisecond, nil)

	_, err := q.Request(context.Background(), RequestOptions{TaskID: taskID, Instruction: "x"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPersistence))
}
