// Package events implements the core's event interface to the UI:
// progress, completion, error, and filesystem-change notifications.
// Subscribers receive events on a bounded per-subscriber channel; a
// full channel drops the oldest pending event rather than blocking the
// emitting task, so a slow or absent UI can never stall a sync pass.
package events

import (
	"sync"
)

// Stage identifies which phase of the sync engine emitted a Progress
// event.
type Stage string

const (
	StageReconcile Stage = "reconcile"
	StageUpload    Stage = "upload"
	StageDownload  Stage = "download"
)

// ChangeKind identifies the kind of filesystem change being reported.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeChanged ChangeKind = "changed"
	ChangeRemoved ChangeKind = "removed"
	ChangeRenamed ChangeKind = "renamed"
)

// Progress reports the state of an in-flight transfer or reconcile step.
type Progress struct {
	Stage       Stage
	Percentage  float64
	CurrentPath string
}

// Completion reports that an operation finished successfully.
type Completion struct {
	Stage       Stage
	CurrentPath string
}

// Error reports a failure. It's informational; the emitting task has
// already decided how to recover (retry, skip, abort the pass) and
// continues on its own regardless of whether anyone is listening.
type Error struct {
	Message string
	Path    string
}

// FilesystemChange reports a change the engine applied locally or
// remotely.
type FilesystemChange struct {
	Kind    ChangeKind
	Path    string
	OldPath string // set only when Kind is ChangeRenamed
}

// Observer receives the four event kinds. Emitter.Subscribe invokes an
// Observer on its own delivery goroutine, fed from a bounded channel,
// so a slow Observer delays only its own events and, once its channel
// is full, loses the oldest pending ones.
type Observer interface {
	OnProgress(Progress)
	OnCompletion(Completion)
	OnError(Error)
	OnFilesystemChange(FilesystemChange)
}

// envelope carries exactly one populated field; it's the unit of work
// queued onto a subscriber's channel.
type envelope struct {
	progress *Progress
	complete *Completion
	err      *Error
	change   *FilesystemChange
}

// DefaultCapacity is the default per-subscriber channel depth.
const DefaultCapacity = 64

// Emitter fans a single stream of events out to any number of
// subscribers, each isolated by its own bounded channel so one slow
// consumer can't affect another or the producer.
type Emitter struct {
	mu   sync.Mutex
	subs []*subscription
}

type subscription struct {
	ch     chan envelope
	done   chan struct{}
	closed bool
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers observer and starts a goroutine that delivers
// queued events to it in order until the returned unsubscribe func is
// called. capacity <= 0
// uses DefaultCapacity.
func (e *Emitter) Subscribe(observer Observer, capacity int) (unsubscribe func()) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sub := &subscription{
		ch:   make(chan envelope, capacity),
		done: make(chan struct{}),
	}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	go func() {
		for {
			select {
			case env := <-sub.ch:
				deliver(observer, env)
			case <-sub.done:
				return
			}
		}
	}()

	return func() { e.remove(sub) }
}

func (e *Emitter) remove(target *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s == target {
			if !s.closed {
				close(s.done)
				s.closed = true
			}
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

func deliver(observer Observer, env envelope) {
	switch {
	case env.progress != nil:
		observer.OnProgress(*env.progress)
	case env.complete != nil:
		observer.OnCompletion(*env.complete)
	case env.err != nil:
		observer.OnError(*env.err)
	case env.change != nil:
		observer.OnFilesystemChange(*env.change)
	}
}

// enqueue drops the oldest queued event for each subscriber whose
// channel is full, then enqueues env. This never blocks.
func (e *Emitter) enqueue(env envelope) {
	e.mu.Lock()
	subs := make([]*subscription, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
		}
	}
}

// EmitProgress publishes a Progress event to all subscribers.
func (e *Emitter) EmitProgress(p Progress) { e.enqueue(envelope{progress: &p}) }

// EmitCompletion publishes a Completion event to all subscribers.
func (e *Emitter) EmitCompletion(c Completion) { e.enqueue(envelope{complete: &c}) }

// EmitError publishes an Error event to all subscribers.
func (e *Emitter) EmitError(err Error) { e.enqueue(envelope{err: &err}) }

// EmitFilesystemChange publishes a FilesystemChange event to all
// subscribers.
func (e *Emitter) EmitFilesystemChange(c FilesystemChange) { e.enqueue(envelope{change: &c}) }
