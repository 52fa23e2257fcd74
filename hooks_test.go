package cachegrid

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	mu    sync.Mutex
	pre   []PreEvent
	post  []PostEvent
	inits int32
}

func (h *recordingHook) InitialState() { atomic.AddInt32(&h.inits, 1) }
func (h *recordingHook) HandlePre(e PreEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pre = append(h.pre, e)
}
func (h *recordingHook) HandlePost(e PostEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.post = append(h.post, e)
}

func (h *recordingHook) preCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pre)
}

func (h *recordingHook) postCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.post)
}

func TestDispatcherCallsInitialStateOnRegistration(t *testing.T) {
	h := &recordingHook{}
	d := newDispatcher([]HookSpec{{Name: "h", Type: HookPre, Hook: h}}, 16, testLogger())
	defer d.stop()

	require.Equal(t, int32(1), atomic.LoadInt32(&h.inits))
}

func TestDispatcherRoutesPreAndPostSeparately(t *testing.T) {
	pre := &recordingHook{}
	post := &recordingHook{}
	d := newDispatcher([]HookSpec{
		{Name: "pre", Type: HookPre, Hook: pre},
		{Name: "post", Type: HookPost, Hook: post},
	}, 16, testLogger())
	defer d.stop()

	d.dispatchPre(PreEvent{ID: uuid.New(), Action: actionGet})
	d.dispatchPost(PostEvent{ID: uuid.New(), Action: actionGet, Status: StatusOK})

	require.Eventually(t, func() bool { return pre.preCount() == 1 && pre.postCount() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return post.postCount() == 1 && post.preCount() == 0 }, time.Second, time.Millisecond)
}

type panickingHook struct{ recordingHook }

func (h *panickingHook) HandlePost(e PostEvent) {
	h.recordingHook.HandlePost(e)
	panic("hook blew up")
}

func TestHookPanicIsRecoveredAndDoesNotStopDispatch(t *testing.T) {
	h := &panickingHook{}
	d := newDispatcher([]HookSpec{{Name: "p", Type: HookPost, Hook: h}}, 16, testLogger())
	defer d.stop()

	d.dispatchPost(PostEvent{ID: uuid.New(), Action: actionGet})
	d.dispatchPost(PostEvent{ID: uuid.New(), Action: actionGet})

	// second event must still be attempted even though the first panicked
	require.Eventually(t, func() bool { return h.postCount() == 2 }, time.Second, time.Millisecond)
}

func TestHookTaskDropsOldestWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	blocking := &blockingHook{release: block}
	task := newHookTask(HookSpec{Name: "b", Type: HookPost, Hook: blocking}, 2, testLogger())
	defer func() {
		close(block)
		task.stop()
	}()

	// first event is immediately consumed by run() and blocks inside HandlePost
	task.offer(PostEvent{Action: "1"})
	time.Sleep(10 * time.Millisecond)
	task.offer(PostEvent{Action: "2"})
	task.offer(PostEvent{Action: "3"})
	task.offer(PostEvent{Action: "4"}) // buffer (cap 2) is full, "2" should be dropped

	require.GreaterOrEqual(t, task.drops, int64(1))
}

type blockingHook struct {
	recordingHook
	release chan struct{}
}

func (h *blockingHook) HandlePost(e PostEvent) {
	if e.Action == "1" {
		<-h.release
		return
	}
	h.recordingHook.HandlePost(e)
}
