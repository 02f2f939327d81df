// Package datastore persists jobs, playlists, detections and chunk receipts
// through GORM on MySQL (production) or SQLite (development and tests).
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

// insertBatchSize bounds the rows per INSERT statement.
const insertBatchSize = 200

// Interface is the persistence surface used by the conductor and workers.
type Interface interface {
	Open() error
	Close() error
	Migrate(ctx context.Context) error

	GetPlaylist(ctx context.Context, playlistID uint64) (*Playlist, error)
	PlaylistRecordings(ctx context.Context, playlistID uint64) ([]Recording, error)
	CreatePlaylist(ctx context.Context, playlist *Playlist, recordings []Recording) error

	CreateJob(ctx context.Context, job *Job, params *JobParameters) error
	GetJob(ctx context.Context, jobID uint64) (*Job, error)
	GetJobParameters(ctx context.Context, jobID uint64) (*JobParameters, error)
	ListJobWork(ctx context.Context, jobType int, since time.Time) ([]JobWork, error)
	FailJob(ctx context.Context, jobID uint64, remark string) (bool, error)
	SetRemark(ctx context.Context, jobID uint64, remark string) error
	SetDispatched(ctx context.Context, jobID uint64, steps, workers int) error

	JobDetections(ctx context.Context, jobID uint64) ([]Detection, error)
	PlaylistDetections(ctx context.Context, playlistID uint64) ([]uint64, error)

	FinalizeChunk(ctx context.Context, fn func(tx ChunkTx) error) error
}

// ChunkTx is the set of operations available while finalizing one chunk.
// Everything done through it commits or rolls back together.
type ChunkTx interface {
	ClaimReceipt(receipt *ChunkReceipt) (bool, error)
	GetJob(jobID uint64) (*Job, error)
	InsertDetections(detections []Detection) error
	DetectionIDs(jobID uint64, recordingIDs []uint64) (map[DetectionKey]uint64, error)
	LinkDetections(playlistID uint64, detectionIDs []uint64) error
	IncrementProgress(jobID uint64) (bool, error)
	FailJob(jobID uint64, remark string) (bool, error)
}

// DataStore implements Interface on top of a GORM handle.
type DataStore struct {
	DB  *gorm.DB
	log logger.Logger
}

// New returns a store for the configured driver. The connection is not
// opened until Open is called.
func New(settings *conf.DatabaseSettings, log logger.Logger) Interface {
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.Module("datastore")

	if settings.Driver == conf.DriverMySQL {
		return &MySQLStore{DataStore: DataStore{log: log}, Settings: settings}
	}
	return &SQLiteStore{DataStore: DataStore{log: log}, Settings: settings}
}

func gormConfig(log logger.Logger, slowThreshold time.Duration) *gorm.Config {
	return &gorm.Config{
		Logger:  logger.NewGormLoggerAdapter(log, slowThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func dbError(err error, operation string) *errors.EnhancedError {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Context("operation", operation).
			Build()
	}
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}

func (ds *DataStore) ready() error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// performAutoMigration creates or updates every table the service owns.
func performAutoMigration(ctx context.Context, db *gorm.DB, log logger.Logger, dbType string) error {
	start := time.Now()
	if err := db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("db_type", dbType).
			Timing("auto_migrate", time.Since(start)).
			Build()
	}
	log.Debug("database migration completed",
		logger.String("db_type", dbType),
		logger.Duration("duration", time.Since(start)),
		logger.Int("tables", len(AllModels())))
	return nil
}

// GetPlaylist returns the playlist or a not-found error.
func (ds *DataStore) GetPlaylist(ctx context.Context, playlistID uint64) (*Playlist, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var playlist Playlist
	if err := ds.DB.WithContext(ctx).First(&playlist, "playlist_id = ?", playlistID).Error; err != nil {
		return nil, dbError(err, "get_playlist")
	}
	return &playlist, nil
}

// PlaylistRecordings returns the recordings of a playlist ordered by id.
func (ds *DataStore) PlaylistRecordings(ctx context.Context, playlistID uint64) ([]Recording, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var recordings []Recording
	err := ds.DB.WithContext(ctx).
		Joins("JOIN playlist_recordings pr ON pr.recording_id = recordings.recording_id").
		Where("pr.playlist_id = ?", playlistID).
		Order("recordings.recording_id").
		Find(&recordings).Error
	if err != nil {
		return nil, dbError(err, "playlist_recordings")
	}
	return recordings, nil
}

// CreatePlaylist stores a playlist together with its recordings.
func (ds *DataStore) CreatePlaylist(ctx context.Context, playlist *Playlist, recordings []Recording) error {
	if err := ds.ready(); err != nil {
		return err
	}
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(playlist).Error; err != nil {
			return err
		}
		if len(recordings) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(recordings, insertBatchSize).Error; err != nil {
			return err
		}
		links := make([]PlaylistRecording, len(recordings))
		for i := range recordings {
			links[i] = PlaylistRecording{PlaylistID: playlist.ID, RecordingID: recordings[i].ID}
		}
		return tx.CreateInBatches(links, insertBatchSize).Error
	})
	if err != nil {
		return dbError(err, "create_playlist")
	}
	return nil
}

// CreateJob inserts the job row and its parameter snapshot in one
// transaction. params.JobID is filled in from the new job id.
func (ds *DataStore) CreateJob(ctx context.Context, job *Job, params *JobParameters) error {
	if err := ds.ready(); err != nil {
		return err
	}
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		params.JobID = job.ID
		return tx.Create(params).Error
	})
	if err != nil {
		return dbError(err, "create_job")
	}
	return nil
}

// GetJob returns the job or a not-found error.
func (ds *DataStore) GetJob(ctx context.Context, jobID uint64) (*Job, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	return getJob(ds.DB.WithContext(ctx), jobID)
}

func getJob(db *gorm.DB, jobID uint64) (*Job, error) {
	var job Job
	if err := db.First(&job, "job_id = ?", jobID).Error; err != nil {
		return nil, dbError(err, "get_job")
	}
	return &job, nil
}

// GetJobParameters returns the parameter snapshot of a job.
func (ds *DataStore) GetJobParameters(ctx context.Context, jobID uint64) (*JobParameters, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var params JobParameters
	if err := ds.DB.WithContext(ctx).First(&params, "job_id = ?", jobID).Error; err != nil {
		return nil, dbError(err, "get_job_parameters")
	}
	return &params, nil
}

// ListJobWork returns the outstanding work of non-terminal jobs of jobType
// created after since.
func (ds *DataStore) ListJobWork(ctx context.Context, jobType int, since time.Time) ([]JobWork, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var work []JobWork
	err := ds.DB.WithContext(ctx).
		Model(&Job{}).
		Select("job_id, progress_steps - progress AS outstanding").
		Where("job_type_id = ? AND date_created > ? AND state IN ?",
			jobType, since.UTC(), []string{StateWaiting, StateProcessing}).
		Scan(&work).Error
	if err != nil {
		return nil, dbError(err, "list_job_work")
	}
	return work, nil
}

// FailJob moves a non-terminal job to error. It reports false when the job
// was already terminal.
func (ds *DataStore) FailJob(ctx context.Context, jobID uint64, remark string) (bool, error) {
	if err := ds.ready(); err != nil {
		return false, err
	}
	return failJob(ds.DB.WithContext(ctx), jobID, remark)
}

func failJob(db *gorm.DB, jobID uint64, remark string) (bool, error) {
	res := db.Model(&Job{}).
		Where("job_id = ? AND state IN ?", jobID, []string{StateWaiting, StateProcessing}).
		Updates(map[string]any{
			"state":       StateError,
			"remarks":     remark,
			"last_update": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, dbError(res.Error, "fail_job")
	}
	return res.RowsAffected > 0, nil
}

// SetRemark records an informational remark without touching the state.
func (ds *DataStore) SetRemark(ctx context.Context, jobID uint64, remark string) error {
	if err := ds.ready(); err != nil {
		return err
	}
	err := ds.DB.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{"remarks": remark, "last_update": time.Now().UTC()}).Error
	if err != nil {
		return dbError(err, "set_remark")
	}
	return nil
}

// SetDispatched records the realized chunk count and worker count.
func (ds *DataStore) SetDispatched(ctx context.Context, jobID uint64, steps, workers int) error {
	if err := ds.ready(); err != nil {
		return err
	}
	err := ds.DB.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"progress_steps": steps,
			"ncpu":           workers,
			"last_update":    time.Now().UTC(),
		}).Error
	if err != nil {
		return dbError(err, "set_dispatched")
	}
	return nil
}

// JobDetections returns the detections of a job ordered by recording and ordinal.
func (ds *DataStore) JobDetections(ctx context.Context, jobID uint64) ([]Detection, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var detections []Detection
	err := ds.DB.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("recording_id, aed_number").
		Find(&detections).Error
	if err != nil {
		return nil, dbError(err, "job_detections")
	}
	return detections, nil
}

// PlaylistDetections returns the detection ids linked to a playlist.
func (ds *DataStore) PlaylistDetections(ctx context.Context, playlistID uint64) ([]uint64, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var ids []uint64
	err := ds.DB.WithContext(ctx).
		Model(&PlaylistDetection{}).
		Where("playlist_id = ?", playlistID).
		Order("aed_id").
		Pluck("aed_id", &ids).Error
	if err != nil {
		return nil, dbError(err, "playlist_detections")
	}
	return ids, nil
}

// FinalizeChunk runs fn inside one transaction. Returning an error from fn
// rolls back every write made through the ChunkTx.
func (ds *DataStore) FinalizeChunk(ctx context.Context, fn func(tx ChunkTx) error) error {
	if err := ds.ready(); err != nil {
		return err
	}
	return ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&chunkTx{tx: tx})
	})
}

type chunkTx struct {
	tx *gorm.DB
}

// ClaimReceipt inserts the receipt. It reports false when the chunk was
// already finalized.
func (c *chunkTx) ClaimReceipt(receipt *ChunkReceipt) (bool, error) {
	res := c.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(receipt)
	if res.Error != nil {
		return false, dbError(res.Error, "claim_receipt")
	}
	return res.RowsAffected > 0, nil
}

func (c *chunkTx) GetJob(jobID uint64) (*Job, error) {
	return getJob(c.tx, jobID)
}

// InsertDetections inserts detections, skipping rows whose natural key
// already exists.
func (c *chunkTx) InsertDetections(detections []Detection) error {
	if len(detections) == 0 {
		return nil
	}
	err := c.tx.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(detections, insertBatchSize).Error
	if err != nil {
		return dbError(err, "insert_detections")
	}
	return nil
}

// DetectionIDs maps natural keys to assigned ids for the given recordings.
func (c *chunkTx) DetectionIDs(jobID uint64, recordingIDs []uint64) (map[DetectionKey]uint64, error) {
	ids := make(map[DetectionKey]uint64)
	if len(recordingIDs) == 0 {
		return ids, nil
	}
	var rows []Detection
	err := c.tx.Select("aed_id", "recording_id", "aed_number").
		Where("job_id = ? AND recording_id IN ?", jobID, recordingIDs).
		Find(&rows).Error
	if err != nil {
		return nil, dbError(err, "detection_ids")
	}
	for i := range rows {
		ids[rows[i].Key()] = rows[i].ID
	}
	return ids, nil
}

// LinkDetections links detections to a playlist, ignoring existing links.
func (c *chunkTx) LinkDetections(playlistID uint64, detectionIDs []uint64) error {
	if len(detectionIDs) == 0 {
		return nil
	}
	links := make([]PlaylistDetection, len(detectionIDs))
	for i, id := range detectionIDs {
		links[i] = PlaylistDetection{PlaylistID: playlistID, DetectionID: id}
	}
	err := c.tx.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(links, insertBatchSize).Error
	if err != nil {
		return dbError(err, "link_detections")
	}
	return nil
}

// incrementProgressSQL assigns state before progress: MySQL evaluates SET
// clauses left to right with updated values, SQLite with the old ones.
const incrementProgressSQL = `UPDATE jobs SET
	state = CASE WHEN progress + 1 >= progress_steps THEN ? ELSE ? END,
	completed = CASE WHEN progress + 1 >= progress_steps THEN ? ELSE completed END,
	progress = progress + 1,
	last_update = ?
WHERE job_id = ? AND state IN (?, ?) AND progress < progress_steps`

// IncrementProgress counts one finished chunk and completes the job when
// the last chunk lands. It reports false when the job is terminal or
// already fully counted.
func (c *chunkTx) IncrementProgress(jobID uint64) (bool, error) {
	res := c.tx.Exec(incrementProgressSQL,
		StateCompleted, StateProcessing,
		true,
		time.Now().UTC(),
		jobID, StateWaiting, StateProcessing)
	if res.Error != nil {
		return false, dbError(res.Error, "increment_progress")
	}
	return res.RowsAffected > 0, nil
}

func (c *chunkTx) FailJob(jobID uint64, remark string) (bool, error) {
	return failJob(c.tx, jobID, remark)
}
