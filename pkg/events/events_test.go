package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	progress  []Progress
	completes []Completion
	errs      []Error
	changes   []FilesystemChange
}

func (r *recordingObserver) OnProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordingObserver) OnCompletion(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, c)
}

func (r *recordingObserver) OnError(e Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
}

func (r *recordingObserver) OnFilesystemChange(c FilesystemChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress) + len(r.completes) + len(r.errs) + len(r.changes)
}

func waitForCount(t *testing.T, obs *recordingObserver, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if obs.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, obs.count(), n)
}

func TestEmitDeliversToSubscriber(t *testing.T) {
	e := NewEmitter()
	obs := &recordingObserver{}
	unsubscribe := e.Subscribe(obs, 8)
	defer unsubscribe()

	e.EmitProgress(Progress{Stage: StageUpload, CurrentPath: "a.txt", Percentage: 50})
	e.EmitCompletion(Completion{Stage: StageUpload, CurrentPath: "a.txt"})
	e.EmitError(Error{Message: "boom"})
	e.EmitFilesystemChange(FilesystemChange{Kind: ChangeAdded, Path: "a.txt"})

	waitForCount(t, obs, 4)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.progress, 1)
	assert.Len(t, obs.completes, 1)
	assert.Len(t, obs.errs, 1)
	assert.Len(t, obs.changes, 1)
}

func TestEmitDoesNotBlockOnFullChannel(t *testing.T) {
	e := NewEmitter()
	obs := &recordingObserver{}
	// capacity 1, no subscriber goroutine draining fast; emit many events
	// and confirm the producer never blocks.
	unsubscribe := e.Subscribe(obs, 1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e.EmitProgress(Progress{Stage: StageUpload, Percentage: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter blocked on a full subscriber channel")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEmitter()
	obs := &recordingObserver{}
	unsubscribe := e.Subscribe(obs, 8)
	unsubscribe()

	e.EmitProgress(Progress{Stage: StageUpload})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, obs.count())
}
