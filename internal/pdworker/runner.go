package pdworker

import (
	"context"
	"fmt"

	"nyxstore/internal/pd"
)

// Runner turns a Task into exactly one authority call.
type Runner struct {
	client *pd.Shared
}

func NewRunner(client *pd.Shared) *Runner {
	return &Runner{client: client}
}

// Run performs the authority call for t. Tasks are never mutated; the
// authority receives copies.
func (r *Runner) Run(ctx context.Context, t Task) error {
	switch task := t.(type) {
	case AskChangePeer:
		return r.client.AskChangePeer(ctx, task.Region.Clone(), task.Peer)
	case AskSplit:
		return r.client.AskSplit(ctx, task.Region.Clone(), append([]byte(nil), task.SplitKey...), task.Peer)
	case Heartbeat:
		return r.client.PutStore(ctx, task.Store.Clone())
	default:
		panic(fmt.Sprintf("pdworker: unknown task %T", t))
	}
}
