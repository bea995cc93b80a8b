package mutation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/metrics"
)

// MaxQueueDepth bounds the jobs waiting on a single key.
const MaxQueueDepth = 256

// ErrSerializerClosed is returned once Close has been called.
var ErrSerializerClosed = errors.New("mutation: serializer closed")

var errQueueFull = &chat.Error{Kind: chat.KindRateLimited, Msg: "message is busy, try again"}

const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    func(context.Context) error
	done  chan error
	state atomic.Int32
}

// Serializer runs jobs one at a time per key, in submission order. Each key
// gets a worker goroutine that exits as soon as its queue drains.
type Serializer struct {
	mu     sync.Mutex
	queues map[string][]*job
	closed bool
	wg     sync.WaitGroup
}

// NewSerializer creates an idle Serializer.
func NewSerializer() *Serializer {
	return &Serializer{queues: make(map[string][]*job)}
}

// Do runs fn after every job previously submitted for key has finished and
// returns its error. If ctx ends before fn starts, fn is skipped and the
// context error is returned. Once fn has started, Do waits for its result.
func (s *Serializer) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSerializerClosed
	}
	q, running := s.queues[key]
	if len(q) >= MaxQueueDepth {
		s.mu.Unlock()
		return errQueueFull
	}
	s.queues[key] = append(q, j)
	if !running {
		s.wg.Add(1)
		metrics.MessageQueues.Inc()
		go s.run(key)
	}
	s.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobPending, jobAbandoned) {
			return ctx.Err()
		}
		return <-j.done
	}
}

func (s *Serializer) run(key string) {
	defer s.wg.Done()
	defer metrics.MessageQueues.Dec()

	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		j := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()

		if !j.state.CompareAndSwap(jobPending, jobRunning) {
			continue
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		j.done <- j.fn(j.ctx)
	}
}

// Active returns the number of keys with a running worker.
func (s *Serializer) Active() int {
	s.mu.Lock()
	n := len(s.queues)
	s.mu.Unlock()
	return n
}

// Close rejects new jobs and waits for queued ones to finish.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
