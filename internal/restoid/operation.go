package restoid

import (
	"sync"
	"time"
)

// OperationKind identifies what an operation does.
type OperationKind string

const (
	OperationBackup  OperationKind = "backup"
	OperationRestore OperationKind = "restore"
)

// OperationStatus is the terminal status recorded for an operation.
type OperationStatus string

const (
	StatusRunning OperationStatus = "running"
	StatusSuccess OperationStatus = "success"
	StatusPartial OperationStatus = "partial"
	StatusError   OperationStatus = "error"
)

// ProgressState is the observable progress of one in-flight operation.
// Observers only ever see copies.
type ProgressState struct {
	StageTitle        string
	StagePercentage   float64
	OverallPercentage float64
	Elapsed           time.Duration
	CurrentItem       string
	ItemsProcessed    int64
	TotalItems        int64
	BytesProcessed    int64
	TotalBytes        int64
	IsFinished        bool
	// Err is set when the operation as a whole failed.
	Err     error
	Summary string
}

// Operation is the context of a single backup or restore. It owns the
// ProgressState, has exactly one writer (the orchestrator running it) and
// publishes snapshots to any number of observers.
type Operation struct {
	id        string
	kind      OperationKind
	clock     Clock
	startedAt time.Time

	mu          sync.Mutex
	state       ProgressState
	subscribers []chan ProgressState
}

// NewOperation creates an operation context that starts now.
func NewOperation(id string, kind OperationKind, clock Clock) *Operation {
	return &Operation{
		id:        id,
		kind:      kind,
		clock:     clock,
		startedAt: clock.Now(),
	}
}

// ID returns the operation identifier.
func (o *Operation) ID() string { return o.id }

// Kind returns the operation kind.
func (o *Operation) Kind() OperationKind { return o.kind }

// StartedAt returns when the operation was created.
func (o *Operation) StartedAt() time.Time { return o.startedAt }

// Subscribe returns a channel receiving state snapshots. The channel holds only
// the latest snapshot: a slow observer skips intermediate states but always
// receives the final one, after which the channel is closed.
func (o *Operation) Subscribe() <-chan ProgressState {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan ProgressState, 1)
	ch <- o.state
	if o.state.IsFinished {
		close(ch)
		return ch
	}
	o.subscribers = append(o.subscribers, ch)
	return ch
}

// Snapshot returns a copy of the current state.
func (o *Operation) Snapshot() ProgressState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Update applies fn to the state and publishes the result. Updates after
// Finish are ignored.
func (o *Operation) Update(fn func(*ProgressState)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.IsFinished {
		return
	}
	fn(&o.state)
	o.state.Elapsed = o.clock.Now().Sub(o.startedAt)
	o.publishLocked()
}

// Finish marks the operation finished with either an error or a summary. Only
// the first call has any effect; it reports whether this call finished the
// operation.
func (o *Operation) Finish(summary string, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.IsFinished {
		return false
	}
	o.state.IsFinished = true
	o.state.Err = err
	o.state.Summary = summary
	o.state.Elapsed = o.clock.Now().Sub(o.startedAt)
	o.publishLocked()

	for _, ch := range o.subscribers {
		close(ch)
	}
	o.subscribers = nil
	return true
}

// publishLocked replaces whatever snapshot each subscriber has not consumed yet
// with the current one.
func (o *Operation) publishLocked() {
	for _, ch := range o.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- o.state
	}
}

// Status derives the terminal status from a finished state.
func (s ProgressState) Status(failures int) OperationStatus {
	switch {
	case !s.IsFinished:
		return StatusRunning
	case s.Err != nil:
		return StatusError
	case failures > 0:
		return StatusPartial
	}
	return StatusSuccess
}
