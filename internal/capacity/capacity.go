// Package capacity implements the advisory admission check that bounds the
// outstanding detection work across concurrent jobs of one type.
package capacity

import (
	"context"
	"time"

	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

// Remark is stored on jobs rejected by admission control.
const Remark = "Resources not currently available"

// ErrCapacityExhausted is returned by Check when the job does not fit.
var ErrCapacityExhausted = errors.NewStd("capacity exhausted")

// WorkLister lists the outstanding work of recent jobs.
type WorkLister interface {
	ListJobWork(ctx context.Context, jobType int, since time.Time) ([]datastore.JobWork, error)
}

// Admit is the admission predicate: the job fits when the remaining slots
// cover its pending work.
func Admit(limit, inFlight, pending int) bool {
	return limit-inFlight >= pending
}

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted bool
	InFlight int // outstanding work of other jobs
	Pending  int
	Limit    int
}

// Tracker sums outstanding work over a trailing window. There is no lock
// between the read and the caller's dispatch, so concurrent conductors may
// briefly over-admit.
type Tracker struct {
	store  WorkLister
	limit  int
	window time.Duration
	now    func() time.Time
	log    logger.Logger
}

// NewTracker creates a tracker admitting up to limit outstanding chunks per
// job type within window.
func NewTracker(store WorkLister, limit int, window time.Duration, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Tracker{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
		log:    log.Module("capacity"),
	}
}

// InFlight returns the outstanding work of jobs of jobType inside the window,
// leaving out the job identified by selfID.
func (t *Tracker) InFlight(ctx context.Context, jobType int, selfID uint64) (int, error) {
	work, err := t.store.ListJobWork(ctx, jobType, t.now().Add(-t.window))
	if err != nil {
		return 0, errors.New(err).
			Category(errors.CategoryAdmission).
			Context("job_type", jobType).
			Build()
	}

	total := 0
	for _, w := range work {
		if w.JobID == selfID {
			continue
		}
		total += max(w.Outstanding, 0)
	}
	return total, nil
}

// Check decides whether a job with pending chunks may be dispatched. The
// job's own row is already stored when this runs, so it is subtracted from
// the in-flight sum.
func (t *Tracker) Check(ctx context.Context, jobType int, selfID uint64, pending int) (Decision, error) {
	inFlight, err := t.InFlight(ctx, jobType, selfID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Admitted: Admit(t.limit, inFlight, pending),
		InFlight: inFlight,
		Pending:  pending,
		Limit:    t.limit,
	}

	t.log.Debug("admission check",
		logger.Uint64("job_id", selfID),
		logger.Int("job_type", jobType),
		logger.Int("in_flight", inFlight),
		logger.Int("pending", pending),
		logger.Int("limit", t.limit),
		logger.Bool("admitted", d.Admitted))

	if !d.Admitted {
		return d, errors.New(ErrCapacityExhausted).
			Category(errors.CategoryAdmission).
			JobContext(selfID, -1).
			Context("in_flight", inFlight).
			Context("pending", pending).
			Context("limit", t.limit).
			Build()
	}
	return d, nil
}
