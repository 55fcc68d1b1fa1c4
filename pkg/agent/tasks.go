package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"riptide/agent/pkg/proto"
)

type pendingTask struct {
	kind    proto.Kind
	started time.Time
}

// taskGroup owns the handler goroutines of one session. Abort cancels them
// and waits until every one has returned.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stats  *Stats

	mu      sync.Mutex
	pending map[uuid.UUID]pendingTask
}

func newTaskGroup(parent context.Context, stats *Stats) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{
		ctx:     ctx,
		cancel:  cancel,
		stats:   stats,
		pending: map[uuid.UUID]pendingTask{},
	}
}

// Go runs fn in its own goroutine under the group's context.
func (g *taskGroup) Go(kind proto.Kind, fn func(ctx context.Context)) {
	id := uuid.New()
	g.mu.Lock()
	g.pending[id] = pendingTask{kind: kind, started: time.Now()}
	g.mu.Unlock()
	g.stats.taskDelta(1)

	g.wg.Add(1)
	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.pending, id)
			g.mu.Unlock()
			g.stats.taskDelta(-1)
			g.wg.Done()
		}()
		fn(g.ctx)
	}()
}

func (g *taskGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Abort cancels every task and waits for them to return, for at most grace
// when grace is positive. It reports how many were running and the kinds of
// those still running when it gave up.
func (g *taskGroup) Abort(grace time.Duration) (aborted int, stuck []proto.Kind) {
	aborted = g.Len()
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	if grace <= 0 {
		<-done
		return aborted, nil
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return aborted, nil
	case <-t.C:
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.pending {
		stuck = append(stuck, p.kind)
	}
	return aborted, stuck
}
