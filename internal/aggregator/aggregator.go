// Package aggregator writes the results of one chunk back to the store and
// the artifact bucket and advances the job.
package aggregator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/blob"
	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/features"
	"github.com/tphakala/aedbatch/internal/logger"
	"github.com/tphakala/aedbatch/internal/observability/metrics"
)

// DefaultFailureRatio is the failed share of a chunk's recordings at which
// the whole job fails.
const DefaultFailureRatio = 0.5

// ErrChunkAlreadyFinalized is returned when a redelivered chunk finds its
// receipt already written. Nothing is changed in that case.
var ErrChunkAlreadyFinalized = errors.NewStd("chunk already finalized")

// Finalizer runs the chunk write in one transaction.
type Finalizer interface {
	FinalizeChunk(ctx context.Context, fn func(tx datastore.ChunkTx) error) error
}

// RecordingOutcome is what a worker produced for one recording of a chunk.
type RecordingOutcome struct {
	RecordingID uint64
	Regions     []aed.Region
	Features    [][]float64 // one vector per region
	Images      [][]byte    // one PNG per region, nil when images are disabled
	Err         error       // set when the recording could not be processed
}

// Destination is where a chunk's artifacts are uploaded.
type Destination struct {
	Store  blob.Store
	Bucket string
	ACL    string
}

// Outcome summarises a finalized chunk.
type Outcome struct {
	Recordings     int
	Failed         int
	Detections     int
	FailurePercent float64
	JobFailed      bool // this chunk moved the job to error
	JobTerminal    bool // the job was already terminal; results were discarded
	Counted        bool // progress was incremented
}

// Aggregator finalizes chunks.
type Aggregator struct {
	store        Finalizer
	environment  string
	failureRatio float64
	featureWidth int
	now          func() time.Time
	recorder     metrics.Recorder
	log          logger.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithFailureRatio overrides DefaultFailureRatio.
func WithFailureRatio(ratio float64) Option {
	return func(a *Aggregator) { a.failureRatio = ratio }
}

// WithRecorder records the status and duration of every finalization.
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// New returns an aggregator writing artifacts under the environment's
// prefix. featureWidth is the length of every feature vector.
func New(store Finalizer, environment string, featureWidth int, log logger.Logger, opts ...Option) *Aggregator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	a := &Aggregator{
		store:        store,
		environment:  environment,
		failureRatio: DefaultFailureRatio,
		featureWidth: featureWidth,
		now:          time.Now,
		recorder:     metrics.NoOpRecorder{},
		log:          log.Module("aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FailureRemark is the job remark written when a chunk fails the job.
func FailureRemark(percent float64) string {
	return fmt.Sprintf("At least 1 worker could not process %d%% of recordings", int(math.Round(percent)))
}

// Finalize persists the detections of a processed chunk, uploads its
// artifacts and advances the job, all inside one store transaction. An
// upload or store error rolls everything back so the chunk can be
// redelivered. A chunk that was finalized before returns
// ErrChunkAlreadyFinalized.
func (a *Aggregator) Finalize(ctx context.Context, msg *batch.Message, results []RecordingOutcome, dst Destination) (*Outcome, error) {
	start := a.now()
	// recordings without an outcome count as failed
	out := &Outcome{Recordings: len(msg.Items), Failed: len(msg.Items)}
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		out.Failed--
		out.Detections += len(results[i].Regions)
	}
	if out.Recordings > 0 {
		out.FailurePercent = 100 * float64(out.Failed) / float64(out.Recordings)
	}

	err := a.store.FinalizeChunk(ctx, func(tx datastore.ChunkTx) error {
		claimed, err := tx.ClaimReceipt(&datastore.ChunkReceipt{
			JobID:      msg.JobID,
			WorkerID:   msg.WorkerID,
			Recordings: out.Recordings,
			Failed:     out.Failed,
			Detections: out.Detections,
		})
		if err != nil {
			return err
		}
		if !claimed {
			return ErrChunkAlreadyFinalized
		}

		job, err := tx.GetJob(msg.JobID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			out.JobTerminal = true
			return nil
		}

		if err := a.writeResults(ctx, tx, msg, results, dst); err != nil {
			return err
		}

		if float64(out.Failed) >= a.failureRatio*float64(out.Recordings) {
			failed, err := tx.FailJob(msg.JobID, FailureRemark(out.FailurePercent))
			if err != nil {
				return err
			}
			out.JobFailed = failed
			return nil
		}
		counted, err := tx.IncrementProgress(msg.JobID)
		if err != nil {
			return err
		}
		out.Counted = counted
		return nil
	})
	a.recorder.RecordDuration(metrics.OpFinalize, a.now().Sub(start).Seconds())

	if errors.Is(err, ErrChunkAlreadyFinalized) {
		a.recorder.RecordOperation(metrics.OpFinalize, metrics.StatusDuplicate)
		a.log.Info("chunk already finalized, skipping",
			logger.Uint64("job_id", msg.JobID),
			logger.Int("worker_id", msg.WorkerID))
		return nil, errors.New(ErrChunkAlreadyFinalized).
			Component("aggregator").
			Category(errors.CategoryConflict).
			JobContext(msg.JobID, msg.WorkerID).
			Build()
	}
	if err != nil {
		a.recorder.RecordOperation(metrics.OpFinalize, metrics.StatusError)
		return nil, err
	}
	a.recorder.RecordOperation(metrics.OpFinalize, metrics.StatusSuccess)

	a.log.Info("chunk finalized",
		logger.Uint64("job_id", msg.JobID),
		logger.Int("worker_id", msg.WorkerID),
		logger.Int("recordings", out.Recordings),
		logger.Int("failed", out.Failed),
		logger.Int("detections", out.Detections),
		logger.Bool("job_failed", out.JobFailed),
		logger.Bool("job_terminal", out.JobTerminal),
		logger.Duration("duration", a.now().Sub(start)))
	return out, nil
}

type upload struct {
	key  string
	data []byte
}

// writeResults inserts detections, retrofits durable ids into the key
// artifact, uploads artifacts and images, and links the detections to the
// playlist.
func (a *Aggregator) writeResults(ctx context.Context, tx datastore.ChunkTx, msg *batch.Message, results []RecordingOutcome, dst Destination) error {
	var (
		rows         []datastore.Detection
		recordingIDs []uint64
	)
	artifacts := features.NewArtifacts(a.featureWidth)
	for i := range results {
		res := &results[i]
		if res.Err != nil {
			continue
		}
		recordingIDs = append(recordingIDs, res.RecordingID)
		if len(res.Features) != len(res.Regions) {
			return errors.Newf("recording %d has %d regions and %d feature vectors",
				res.RecordingID, len(res.Regions), len(res.Features)).
				Component("aggregator").
				Category(errors.CategoryState).
				Build()
		}
		if err := artifacts.Append(res.RecordingID, res.Features); err != nil {
			return err
		}
		for ordinal := range res.Regions {
			r := &res.Regions[ordinal]
			rows = append(rows, datastore.Detection{
				JobID:        msg.JobID,
				RecordingID:  res.RecordingID,
				Ordinal:      ordinal,
				TimeMin:      r.TimeMin,
				TimeMax:      r.TimeMax,
				FrequencyMin: r.FreqMin,
				FrequencyMax: r.FreqMax,
				ImageURI:     features.ImageKey(a.environment, msg.JobID, res.RecordingID, ordinal),
			})
		}
	}

	if artifacts.Len() == 0 {
		return nil
	}

	if err := tx.InsertDetections(rows); err != nil {
		return err
	}
	stored, err := tx.DetectionIDs(msg.JobID, recordingIDs)
	if err != nil {
		return err
	}
	ids := make(map[features.Key]uint64, len(stored))
	for k, id := range stored {
		ids[features.Key{RecordingID: k.RecordingID, Ordinal: k.Ordinal}] = id
	}

	featureData, err := artifacts.Features()
	if err != nil {
		return err
	}
	idData, err := artifacts.DurableIDs(ids)
	if err != nil {
		return err
	}

	uploads := []upload{
		{features.FeaturesKey(a.environment, msg.JobID, msg.WorkerID), featureData},
		{features.IDsKey(a.environment, msg.JobID, msg.WorkerID), idData},
	}
	for i := range results {
		res := &results[i]
		if res.Err != nil {
			continue
		}
		for ordinal, img := range res.Images {
			uploads = append(uploads, upload{features.ImageKey(a.environment, msg.JobID, res.RecordingID, ordinal), img})
		}
	}
	for _, u := range uploads {
		if err := dst.Store.Put(ctx, dst.Bucket, u.key, u.data, dst.ACL); err != nil {
			return err
		}
	}

	linked := make([]uint64, 0, artifacts.Len())
	for _, k := range artifacts.Keys() {
		linked = append(linked, ids[k])
	}
	return tx.LinkDetections(msg.PlaylistID, linked)
}
