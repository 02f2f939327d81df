// Package worker consumes dispatched chunks, runs detection on every
// recording of a chunk and hands the results to the aggregator.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/aggregator"
	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/blob"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/features"
	"github.com/tphakala/aedbatch/internal/logger"
	"github.com/tphakala/aedbatch/internal/myaudio"
	"github.com/tphakala/aedbatch/internal/observability/metrics"
	"github.com/tphakala/aedbatch/internal/queue"
	"github.com/tphakala/aedbatch/internal/telemetry"
)

// ErrTimeBudget is recorded for recordings skipped because the chunk ran
// out of time. A chunk with such recordings is given back to the queue.
var ErrTimeBudget = errors.NewStd("chunk time budget exhausted")

// JobReader reads the state of a job.
type JobReader interface {
	GetJob(ctx context.Context, jobID uint64) (*datastore.Job, error)
}

// Account holds the blob access of one storage account.
type Account struct {
	Store            blob.Store
	RecordingsBucket string
	ArtifactsBucket  string
	ACL              string
}

// Config holds the worker settings.
type Config struct {
	Concurrency      int
	UploadImages     bool
	ImageTrim        float64
	MinRemainingTime time.Duration
	ChunkTimeout     time.Duration
	JobStateCacheTTL time.Duration
	ClaimTTL         time.Duration
}

// ConfigFromSettings maps the worker and detection settings to a Config.
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		Concurrency:      s.Worker.Concurrency,
		UploadImages:     s.Worker.UploadImages,
		ImageTrim:        s.Detection.ImageTrim,
		MinRemainingTime: s.Worker.MinRemainingTime,
		ChunkTimeout:     s.Worker.ChunkTimeout,
		JobStateCacheTTL: s.Worker.JobStateCacheTTL,
		ClaimTTL:         s.Worker.ClaimTTL,
	}
}

// Deps are the collaborators of a Worker. Claims, Metrics, Reporter and Log
// are optional.
type Deps struct {
	Engine     *aed.Engine
	Extractor  *features.Extractor
	Aggregator *aggregator.Aggregator
	Jobs       JobReader
	Accounts   map[int]Account
	Claims     aggregator.Claims
	Metrics    *metrics.WorkerMetrics
	Reporter   *telemetry.Reporter
	Log        logger.Logger
}

// Worker processes chunks. Handle is safe for concurrent use.
type Worker struct {
	cfg        Config
	engine     *aed.Engine
	extractor  *features.Extractor
	aggregator *aggregator.Aggregator
	jobs       JobReader
	accounts   map[int]Account
	claims     aggregator.Claims
	states     *cache.Cache
	metrics    *metrics.WorkerMetrics
	reporter   *telemetry.Reporter
	log        logger.Logger
	now        func() time.Time
}

// New validates the configuration and returns a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Engine == nil || deps.Extractor == nil || deps.Aggregator == nil || deps.Jobs == nil {
		return nil, errors.Newf("worker needs an engine, an extractor, an aggregator and a job reader").
			Component("worker").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if len(deps.Accounts) == 0 {
		return nil, errors.Newf("worker needs at least one account").
			Component("worker").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if deps.Claims == nil {
		deps.Claims = aggregator.NopClaims{}
	}
	if deps.Log == nil {
		deps.Log = logger.NewNopLogger()
	}
	ttl := cfg.JobStateCacheTTL
	if ttl <= 0 {
		ttl = time.Second
	}

	return &Worker{
		cfg:        cfg,
		engine:     deps.Engine,
		extractor:  deps.Extractor,
		aggregator: deps.Aggregator,
		jobs:       deps.Jobs,
		accounts:   deps.Accounts,
		claims:     deps.Claims,
		states:     cache.New(ttl, 2*ttl),
		metrics:    deps.Metrics,
		reporter:   deps.Reporter,
		log:        deps.Log.Module("worker"),
		now:        time.Now,
	}, nil
}

// Handle processes one delivery and tells the consumer how to settle it.
// It satisfies queue.Handler.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	start := w.now()
	msg := d.Message
	log := w.log.WithContext(ctx).With(
		logger.Uint64("job_id", msg.JobID),
		logger.Int("worker_id", msg.WorkerID),
		logger.Int("account", msg.Account),
		logger.Int("recordings", len(msg.Items)),
		logger.Bool("redelivered", d.Redelivered))
	if d.DispatchTraceID != "" {
		log = log.With(logger.String("dispatch_trace_id", d.DispatchTraceID))
	}

	outcome := w.handle(ctx, log, msg)
	w.metrics.RecordChunk(outcome.String(), w.now().Sub(start).Seconds())
	return outcome
}

func (w *Worker) handle(ctx context.Context, log logger.Logger, msg *batch.Message) queue.Outcome {
	terminal, err := w.jobTerminal(ctx, msg.JobID)
	switch {
	case errors.IsNotFound(err):
		log.Warn("rejecting chunk of unknown job", logger.Error(err))
		return queue.Reject
	case err != nil:
		log.Error("failed to read job state", logger.Error(err))
		w.report(ctx, err)
		return queue.Requeue
	case terminal:
		log.Info("job is no longer running, skipping chunk")
		return queue.Ack
	}

	account, ok := w.accounts[msg.Account]
	if !ok {
		log.Error("rejecting chunk of unconfigured account")
		return queue.Reject
	}

	key := msg.IdempotencyKey()
	claimed, err := w.claims.Claim(ctx, key, w.cfg.ClaimTTL)
	switch {
	case err != nil:
		// the receipt still guards against double finalization
		log.Warn("chunk claim unavailable, processing unclaimed", logger.Error(err))
	case !claimed:
		log.Info("chunk is being processed elsewhere, requeueing")
		return queue.Requeue
	default:
		defer func() {
			if err := w.claims.Release(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("failed to release chunk claim", logger.Error(err))
			}
		}()
	}

	if w.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ChunkTimeout)
		defer cancel()
	}
	if w.lowOnTime(ctx) {
		log.Warn("not enough time left to start chunk, requeueing")
		return queue.Requeue
	}

	results := w.processChunk(ctx, log, msg, &account)
	for i := range results {
		if errors.Is(results[i].Err, ErrTimeBudget) || errors.Is(results[i].Err, context.DeadlineExceeded) {
			log.Warn("chunk ran out of time, requeueing without writing results")
			return queue.Requeue
		}
	}
	if ctx.Err() != nil {
		log.Warn("chunk cancelled, requeueing", logger.Error(ctx.Err()))
		return queue.Requeue
	}

	out, err := w.aggregator.Finalize(ctx, msg, results, aggregator.Destination{
		Store:  account.Store,
		Bucket: account.ArtifactsBucket,
		ACL:    account.ACL,
	})
	switch {
	case errors.Is(err, aggregator.ErrChunkAlreadyFinalized):
		w.metrics.RecordDuplicate()
		return queue.Ack
	case err != nil:
		log.Error("failed to finalize chunk", logger.Error(err))
		w.metrics.RecordError(metrics.OpFinalize, errorType(err))
		w.report(ctx, err)
		return queue.Requeue
	}

	if out.JobFailed || out.JobTerminal {
		w.states.Set(cacheKey(msg.JobID), true, cache.DefaultExpiration)
	}
	if out.JobFailed {
		w.reporter.CaptureMessage(ctx, aggregator.FailureRemark(out.FailurePercent), sentry.LevelWarning, "worker")
	}
	if out.Failed > 0 {
		log.Warn("some recordings could not be processed",
			logger.Int("failed", out.Failed),
			logger.Float64("failure_percent", out.FailurePercent),
			logger.Bool("job_failed", out.JobFailed))
	}
	return queue.Ack
}

// jobTerminal reports whether the job reached a terminal state. Terminal
// answers are cached since they never change; running jobs are re-read.
func (w *Worker) jobTerminal(ctx context.Context, jobID uint64) (bool, error) {
	if _, ok := w.states.Get(cacheKey(jobID)); ok {
		return true, nil
	}
	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Terminal() {
		w.states.Set(cacheKey(jobID), true, cache.DefaultExpiration)
		return true, nil
	}
	return false, nil
}

func cacheKey(jobID uint64) string {
	return strconv.FormatUint(jobID, 10)
}

// lowOnTime reports whether less than MinRemainingTime is left before the
// context deadline.
func (w *Worker) lowOnTime(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return deadline.Sub(w.now()) < w.cfg.MinRemainingTime
}

// processChunk analyses the recordings of msg in parallel. Each result
// lands at the index of its item; failures are recorded, not returned.
func (w *Worker) processChunk(ctx context.Context, log logger.Logger, msg *batch.Message, account *Account) []aggregator.RecordingOutcome {
	results := make([]aggregator.RecordingOutcome, len(msg.Items))

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i := range msg.Items {
		item := &msg.Items[i]
		g.Go(func() error {
			results[i] = w.processRecording(ctx, log, msg, account, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (w *Worker) processRecording(ctx context.Context, log logger.Logger, msg *batch.Message, account *Account, item *batch.ChunkItem) (out aggregator.RecordingOutcome) {
	start := w.now()
	out.RecordingID = item.RecordingID
	log = log.With(logger.Uint64("recording_id", item.RecordingID))

	defer func() {
		if v := recover(); v != nil {
			out = aggregator.RecordingOutcome{
				RecordingID: item.RecordingID,
				Err: errors.Newf("panic while processing recording: %v", v).
					Component("worker").
					Category(errors.CategoryProcessing).
					Context("stack", string(debug.Stack())).
					Build(),
			}
		}
		status := metrics.StatusSuccess
		if out.Err != nil {
			status = metrics.StatusError
			if !errors.Is(out.Err, ErrTimeBudget) && ctx.Err() == nil {
				log.Warn("recording failed", logger.Error(out.Err))
				w.metrics.RecordError(metrics.OpRecording, errorType(out.Err))
				w.report(ctx, out.Err)
			}
		}
		w.metrics.RecordRecording(status, len(out.Regions), w.now().Sub(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	if w.lowOnTime(ctx) {
		out.Err = ErrTimeBudget
		return out
	}

	data, err := account.Store.Get(ctx, account.RecordingsBucket, item.URI)
	if err != nil {
		out.Err = err
		return out
	}
	audio, err := myaudio.Decode(data)
	if err != nil {
		out.Err = err
		return out
	}
	if audio.Partial {
		log.Warn("recording decoded partially",
			logger.Float64("seconds", audio.Duration()))
	}
	if audio.SampleRate != item.SampleRate {
		log.Debug("sample rate differs from metadata",
			logger.Int("metadata", item.SampleRate),
			logger.Int("decoded", audio.SampleRate))
	}

	res, err := w.engine.Detect(audio.Samples, audio.SampleRate, &msg.Thresholds)
	if err != nil {
		out.Err = err
		return out
	}

	out.Regions = res.Regions
	out.Features = w.extractor.Extract(res, item.RecordingID, item.CapturedAt)
	if w.cfg.UploadImages {
		out.Images = make([][]byte, 0, len(res.Regions))
		for i := range res.Regions {
			img, err := features.RenderROI(res.Spectrogram, &res.Regions[i], w.cfg.ImageTrim)
			if err != nil {
				return aggregator.RecordingOutcome{RecordingID: item.RecordingID, Err: err}
			}
			out.Images = append(out.Images, img)
		}
	}

	log.Debug("recording analysed",
		logger.Int("regions", len(out.Regions)),
		logger.Duration("duration", w.now().Sub(start)))
	return out
}

// Consumer delivers chunks to a handler until its context is done.
type Consumer interface {
	Run(ctx context.Context, handler queue.Handler) error
}

// Serve runs every consumer with Handle until ctx is done or one of them
// fails.
func (w *Worker) Serve(ctx context.Context, consumers ...Consumer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error {
			defer w.reporter.Recover(gctx)
			return c.Run(gctx, w.Handle)
		})
	}
	return g.Wait()
}

func (w *Worker) report(ctx context.Context, err error) {
	w.reporter.CaptureError(ctx, err)
}

func errorType(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return ee.GetCategory()
	}
	return fmt.Sprintf("%T", err)
}
