package pdworker

import (
	"fmt"

	"go.uber.org/zap"
)

// Pool fans tasks out to a fixed set of workers. All tasks of one region go
// to the same worker, so per-region ordering is preserved. A split is routed
// by its parent region.
type Pool struct {
	workers []*Worker
}

// NewPool creates size workers sharing handler and opts.
func NewPool(size int, handler Handler, opts Options) *Pool {
	if size <= 0 {
		size = 1
	}
	opts.normalize()
	base := opts.Name
	p := &Pool{workers: make([]*Worker, size)}
	for i := range p.workers {
		wopts := opts
		wopts.Name = fmt.Sprintf("%s-%d", base, i)
		wopts.Logger = opts.Logger.With(zap.Int("shard", i))
		p.workers[i] = NewWorker(handler, wopts)
	}
	return p
}

func (p *Pool) Start() {
	for _, w := range p.workers {
		w.Start()
	}
}

// Stop drains and stops every worker.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

func (p *Pool) Schedule(t Task) error {
	if t == nil {
		return fmt.Errorf("pdworker: nil task")
	}
	return p.workers[shardKey(t)%uint64(len(p.workers))].Schedule(t)
}

// Pending reports queued tasks over all workers.
func (p *Pool) Pending() int {
	n := 0
	for _, w := range p.workers {
		n += w.Pending()
	}
	return n
}

func shardKey(t Task) uint64 {
	switch task := t.(type) {
	case AskChangePeer:
		return uint64(task.Region.ID)
	case AskSplit:
		if task.ParentID != 0 {
			return uint64(task.ParentID)
		}
		return uint64(task.Region.ID)
	case Heartbeat:
		return task.Store.ID
	default:
		panic(fmt.Sprintf("pdworker: unknown task %T", t))
	}
}

var (
	_ Scheduler = (*Worker)(nil)
	_ Scheduler = (*Pool)(nil)
)
