package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/threadline/pkg/transcript"
)

const enqueueTimeout = 100 * time.Millisecond

type persistRecord struct {
	role    string
	content string
}

// persistJob carries one finished turn. A single worker appends all of its
// records in order, so the log never inverts a turn's user/assistant pair.
type persistJob struct {
	threadID string
	records  []persistRecord
}

// persistPool writes finished turns to the transcript off the hot path.
// The queue is bounded; under sustained backpressure jobs are dropped and
// counted rather than stalling a live conversation.
type persistPool struct {
	jobs    chan persistJob
	log     *transcript.Log
	dropped atomic.Uint64
	closed  bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func newPersistPool(log *transcript.Log, workers int) *persistPool {
	if workers < 1 {
		workers = 1
	}
	p := &persistPool{
		jobs: make(chan persistJob, 100),
		log:  log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *persistPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		for _, rec := range job.records {
			p.log.Append(context.Background(), job.threadID, rec.role, rec.content)
		}
	}
}

func (p *persistPool) enqueue(job persistJob) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.jobs <- job:
	default:
		timer := time.NewTimer(enqueueTimeout)
		defer timer.Stop()
		select {
		case p.jobs <- job:
		case <-timer.C:
			p.dropped.Add(1)
		}
	}
}

// Close drains the queue and waits for the workers.
func (p *persistPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
