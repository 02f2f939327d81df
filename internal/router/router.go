// Package router selects the destination queue of a chunk from its account
// and the size and sample-rate class of the job.
package router

import (
	"context"
	"fmt"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/errors"
)

// DefaultMaxNormalMeanRate is the highest mean sample rate routed to a
// normal queue.
const DefaultMaxNormalMeanRate = 192000

// Class is the queue class of a job.
type Class string

const (
	ClassNormal Class = "normal"
	ClassLarge  Class = "large"
)

// ErrUnknownAccount is returned for accounts without configured queues.
var ErrUnknownAccount = errors.NewStd("no queues configured for account")

// Publisher sends dispatch messages to named queues of one account.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg *batch.Message) error
}

// AccountQueues holds the queue names and the publisher of one account.
type AccountQueues struct {
	Normal    string
	Large     string
	Publisher Publisher
}

// Handle is a routing decision bound to the account's publisher.
type Handle struct {
	Account   int
	Class     Class
	Queue     string
	publisher Publisher
}

// Publish sends msg to the routed queue.
func (h Handle) Publish(ctx context.Context, msg *batch.Message) error {
	if err := h.publisher.Publish(ctx, h.Queue, msg); err != nil {
		return errors.New(err).
			Category(errors.CategoryDispatch).
			JobContext(msg.JobID, msg.WorkerID).
			Context("queue", h.Queue).
			Context("account", h.Account).
			Build()
	}
	return nil
}

func (h Handle) String() string {
	return fmt.Sprintf("account %d %s queue %q", h.Account, h.Class, h.Queue)
}

// Classify is the routing decision table.
func Classify(chunkCount, largeJobThreshold int, meanSampleRate, maxNormalMean float64) Class {
	if chunkCount <= largeJobThreshold && meanSampleRate <= maxNormalMean {
		return ClassNormal
	}
	return ClassLarge
}

// Router maps (account, chunk count, mean sample rate) to a queue. Each
// account keeps its own publisher, so a message never crosses accounts.
type Router struct {
	accounts          map[int]AccountQueues
	largeJobThreshold int
	maxNormalMean     float64
}

// New creates a router. largeJobThreshold is the highest chunk count still
// routed to a normal queue.
func New(accounts map[int]AccountQueues, largeJobThreshold int, maxNormalMean float64) (*Router, error) {
	for id, q := range accounts {
		if q.Publisher == nil || q.Normal == "" || q.Large == "" {
			return nil, errors.Newf("account %d needs a publisher and both queue names", id).
				Category(errors.CategoryConfiguration).
				Build()
		}
	}
	if maxNormalMean <= 0 {
		maxNormalMean = DefaultMaxNormalMeanRate
	}
	return &Router{
		accounts:          accounts,
		largeJobThreshold: largeJobThreshold,
		maxNormalMean:     maxNormalMean,
	}, nil
}

// Route returns the queue for a chunk of the given account.
func (r *Router) Route(account, chunkCount int, meanSampleRate float64) (Handle, error) {
	q, ok := r.accounts[account]
	if !ok {
		return Handle{}, errors.New(ErrUnknownAccount).
			Category(errors.CategoryRouting).
			Context("account", account).
			Build()
	}

	class := Classify(chunkCount, r.largeJobThreshold, meanSampleRate, r.maxNormalMean)
	name := q.Normal
	if class == ClassLarge {
		name = q.Large
	}
	return Handle{Account: account, Class: class, Queue: name, publisher: q.Publisher}, nil
}
