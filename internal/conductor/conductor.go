// Package conductor runs one detection job submission: it snapshots the
// parameters, gates the job on capacity, plans the chunks and publishes them
// to the routed queues. It never waits for the workers.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/capacity"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
	"github.com/tphakala/aedbatch/internal/observability/metrics"
	"github.com/tphakala/aedbatch/internal/planner"
	"github.com/tphakala/aedbatch/internal/router"
	"github.com/tphakala/aedbatch/internal/telemetry"
)

// Invocation status codes.
const (
	StatusSuccess = 200
	StatusFailure = -1
)

// ErrTimeBudget is returned when the invocation stopped dispatching because
// too little time was left.
var ErrTimeBudget = errors.NewStd("conductor time budget exhausted")

// Store is the persistence used by the conductor.
type Store interface {
	capacity.WorkLister
	GetPlaylist(ctx context.Context, playlistID uint64) (*datastore.Playlist, error)
	PlaylistRecordings(ctx context.Context, playlistID uint64) ([]datastore.Recording, error)
	CreateJob(ctx context.Context, job *datastore.Job, params *datastore.JobParameters) error
	FailJob(ctx context.Context, jobID uint64, remark string) (bool, error)
	SetRemark(ctx context.Context, jobID uint64, remark string) error
	SetDispatched(ctx context.Context, jobID uint64, steps, workers int) error
}

// Invocation is a job submission. The thresholds sit at the top level of
// the JSON event next to the playlist and user ids.
type Invocation struct {
	PlaylistID uint64 `json:"playlist_id"`
	UserID     uint64 `json:"user_id"`
	Name       string `json:"name"`
	batch.Thresholds
}

// Result is returned to the caller of an invocation.
type Result struct {
	Status     int    `json:"status"`
	JobID      uint64 `json:"job_id,omitempty"`
	Chunks     int    `json:"chunks"`
	Dispatched int    `json:"dispatched"`
	TraceID    string `json:"trace_id"`
}

// Config holds the conductor settings.
type Config struct {
	JobType          int
	MinRemainingTime time.Duration
	Timeout          time.Duration // applied when the caller's context has no deadline
	DispatchRate     float64       // messages per second, 0 for unlimited
	DispatchBurst    int
}

// ConfigFromSettings maps the conductor settings to a Config.
func ConfigFromSettings(s *conf.ConductorSettings) Config {
	return Config{
		JobType:          s.JobType,
		MinRemainingTime: s.MinRemainingTime,
		Timeout:          s.Timeout,
		DispatchRate:     s.DispatchRate,
		DispatchBurst:    s.DispatchBurst,
	}
}

// Deps are the collaborators of a Conductor. Metrics, Reporter and Log are
// optional.
type Deps struct {
	Store    Store
	Capacity *capacity.Tracker
	Planner  *planner.Planner
	Router   *router.Router
	Metrics  *metrics.ConductorMetrics
	Reporter *telemetry.Reporter
	Log      logger.Logger
}

// Conductor submits detection jobs.
type Conductor struct {
	cfg      Config
	store    Store
	capacity *capacity.Tracker
	planner  *planner.Planner
	router   *router.Router
	limiter  *rate.Limiter
	metrics  *metrics.ConductorMetrics
	reporter *telemetry.Reporter
	log      logger.Logger
	now      func() time.Time
}

// New validates the dependencies and returns a Conductor.
func New(cfg Config, deps Deps) (*Conductor, error) {
	if deps.Store == nil || deps.Capacity == nil || deps.Planner == nil || deps.Router == nil {
		return nil, errors.Newf("conductor needs a store, a capacity tracker, a planner and a router").
			Component("conductor").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if deps.Log == nil {
		deps.Log = logger.NewNopLogger()
	}

	c := &Conductor{
		cfg:      cfg,
		store:    deps.Store,
		capacity: deps.Capacity,
		planner:  deps.Planner,
		router:   deps.Router,
		metrics:  deps.Metrics,
		reporter: deps.Reporter,
		log:      deps.Log.Module("conductor"),
		now:      time.Now,
	}
	if cfg.DispatchRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), max(cfg.DispatchBurst, 1))
	}
	return c, nil
}

// Run executes one invocation. The Result is always set; a non-nil error
// explains a StatusFailure. Failures after the job row exists are also
// written to the job's remarks.
func (c *Conductor) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	start := c.now()
	res := &Result{Status: StatusFailure, TraceID: uuid.NewString()}
	ctx = logger.WithTraceID(ctx, res.TraceID)
	if _, ok := ctx.Deadline(); !ok && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	log := c.log.WithContext(ctx).With(
		logger.Uint64("playlist_id", inv.PlaylistID),
		logger.Uint64("user_id", inv.UserID))

	status, err := c.run(ctx, log, inv, res)
	c.metrics.RecordInvocation(status, c.now().Sub(start).Seconds())
	if err != nil {
		c.metrics.RecordError(metrics.OpInvocation, errorType(err))
		c.reporter.CaptureError(ctx, err)
		log.Error("invocation failed",
			logger.Uint64("job_id", res.JobID),
			logger.Int("dispatched", res.Dispatched),
			logger.Int("chunks", res.Chunks),
			logger.Error(err))
		return res, err
	}

	res.Status = StatusSuccess
	log.Info("invocation finished",
		logger.Uint64("job_id", res.JobID),
		logger.Int("chunks", res.Chunks),
		logger.Duration("duration", c.now().Sub(start)))
	return res, nil
}

func (c *Conductor) run(ctx context.Context, log logger.Logger, inv *Invocation, res *Result) (string, error) {
	if err := inv.Thresholds.Validate(); err != nil {
		return metrics.StatusError, err
	}

	playlist, err := c.store.GetPlaylist(ctx, inv.PlaylistID)
	if err != nil {
		return metrics.StatusError, err
	}
	recordings, err := c.store.PlaylistRecordings(ctx, inv.PlaylistID)
	if err != nil {
		return metrics.StatusError, err
	}

	planStart := c.now()
	chunks, err := c.planner.Plan(chunkItems(recordings))
	if err != nil {
		return metrics.StatusError, err
	}
	c.metrics.RecordDuration(metrics.OpPlan, c.now().Sub(planStart).Seconds())
	res.Chunks = len(chunks)

	params := &batch.Parameters{
		Name:       inv.Name,
		ProjectID:  playlist.ProjectID,
		PlaylistID: playlist.ID,
		Thresholds: inv.Thresholds,
	}
	job, err := c.createJob(ctx, inv, params, len(chunks))
	if err != nil {
		return metrics.StatusError, err
	}
	res.JobID = job.ID
	log = log.With(logger.Uint64("job_id", job.ID))

	if len(chunks) == 0 {
		log.Info("playlist has no recordings, job completed without dispatch")
		return metrics.StatusEmpty, nil
	}

	decision, err := c.capacity.Check(ctx, c.cfg.JobType, job.ID, len(chunks))
	switch {
	case errors.Is(err, capacity.ErrCapacityExhausted):
		c.metrics.RecordAdmission(false)
		log.Warn("job rejected by admission control",
			logger.Int("in_flight", decision.InFlight),
			logger.Int("pending", decision.Pending),
			logger.Int("limit", decision.Limit))
		c.fail(ctx, log, job.ID, capacity.Remark)
		return metrics.StatusRejected, err
	case err != nil:
		c.fail(ctx, log, job.ID, "Admission check failed")
		return metrics.StatusError, err
	}
	c.metrics.RecordAdmission(true)

	if err := c.dispatch(ctx, log, job.ID, params, chunks, res); err != nil {
		if errors.Is(err, ErrTimeBudget) {
			remark := fmt.Sprintf("Dispatch stopped after %d of %d chunks: time budget exhausted", res.Dispatched, len(chunks))
			if rerr := c.store.SetRemark(context.WithoutCancel(ctx), job.ID, remark); rerr != nil {
				log.Warn("failed to record partial dispatch", logger.Error(rerr))
			}
			return metrics.StatusTimeout, err
		}
		c.fail(ctx, log, job.ID, fmt.Sprintf("Dispatch failed after %d of %d chunks", res.Dispatched, len(chunks)))
		return metrics.StatusError, err
	}

	if err := c.store.SetDispatched(ctx, job.ID, len(chunks), len(chunks)); err != nil {
		return metrics.StatusError, err
	}
	return metrics.StatusSuccess, nil
}

// createJob stores the job with its parameter snapshot. A job without
// chunks is stored completed.
func (c *Conductor) createJob(ctx context.Context, inv *Invocation, params *batch.Parameters, steps int) (*datastore.Job, error) {
	snapshot, err := json.Marshal(params)
	if err != nil {
		return nil, errors.New(err).
			Component("conductor").
			Category(errors.CategoryValidation).
			Build()
	}

	job := &datastore.Job{
		JobTypeID:     c.cfg.JobType,
		ProjectID:     params.ProjectID,
		UserID:        inv.UserID,
		State:         datastore.StateWaiting,
		ProgressSteps: steps,
	}
	if steps == 0 {
		job.State = datastore.StateCompleted
		job.Completed = true
	}
	row := &datastore.JobParameters{
		Name:       inv.Name,
		PlaylistID: params.PlaylistID,
		Params:     datatypes.JSON(snapshot),
	}
	if err := c.store.CreateJob(ctx, job, row); err != nil {
		return nil, err
	}
	return job, nil
}

// dispatch publishes the chunks in ordinal order. It stops with
// ErrTimeBudget once less than MinRemainingTime is left.
func (c *Conductor) dispatch(ctx context.Context, log logger.Logger, jobID uint64, params *batch.Parameters, chunks []batch.Chunk, res *Result) error {
	counts := planner.CountByAccount(chunks)
	means := planner.MeanSampleRateByAccount(chunks)

	for i := range chunks {
		chunk := &chunks[i]
		if c.lowOnTime(ctx) {
			return c.budgetError(jobID, res.Dispatched, len(chunks))
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				// Wait fails early when the next token lands after the deadline
				return c.budgetError(jobID, res.Dispatched, len(chunks))
			}
		}

		handle, err := c.router.Route(chunk.Account, counts[chunk.Account], means[chunk.Account])
		if err != nil {
			return err
		}
		if err := handle.Publish(ctx, batch.NewMessage(jobID, params, chunk)); err != nil {
			c.metrics.RecordError(metrics.OpDispatch, errorType(err))
			return err
		}
		res.Dispatched++
		c.metrics.RecordDispatch(chunk.Account, string(handle.Class))
		log.Debug("chunk dispatched",
			logger.Int("worker_id", chunk.Ordinal),
			logger.Int("recordings", len(chunk.Items)),
			logger.String("queue", handle.Queue))
	}
	return nil
}

func (c *Conductor) budgetError(jobID uint64, dispatched, total int) error {
	return errors.New(ErrTimeBudget).
		Component("conductor").
		Category(errors.CategoryTimeout).
		JobContext(jobID, -1).
		Context("dispatched", dispatched).
		Context("chunks", total).
		Build()
}

// lowOnTime reports whether less than MinRemainingTime is left before the
// context deadline.
func (c *Conductor) lowOnTime(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return deadline.Sub(c.now()) < c.cfg.MinRemainingTime
}

// fail moves the job to error. It runs detached from ctx so an expired
// invocation still records why it stopped.
func (c *Conductor) fail(ctx context.Context, log logger.Logger, jobID uint64, remark string) {
	if _, err := c.store.FailJob(context.WithoutCancel(ctx), jobID, remark); err != nil {
		log.Error("failed to mark job as failed", logger.Error(err))
	}
}

func chunkItems(recordings []datastore.Recording) []batch.ChunkItem {
	items := make([]batch.ChunkItem, len(recordings))
	for i := range recordings {
		items[i] = batch.ChunkItem{
			RecordingID: recordings[i].ID,
			SampleRate:  recordings[i].SampleRate,
			URI:         recordings[i].URI,
			CapturedAt:  recordings[i].Datetime,
		}
	}
	return items
}

func errorType(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return ee.GetCategory()
	}
	return fmt.Sprintf("%T", err)
}
