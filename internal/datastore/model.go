package datastore

import (
	"time"

	"gorm.io/datatypes"
)

// Job states. A job moves waiting -> processing -> completed, or to error
// from either non-terminal state.
const (
	StateWaiting    = "waiting"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateError      = "error"
)

// Job is a row of the shared job table.
type Job struct {
	ID            uint64    `gorm:"column:job_id;primaryKey;autoIncrement"`
	JobTypeID     int       `gorm:"column:job_type_id;index:idx_jobs_type_created,priority:1;not null"`
	DateCreated   time.Time `gorm:"column:date_created;index:idx_jobs_type_created,priority:2;autoCreateTime"`
	LastUpdate    time.Time `gorm:"column:last_update;autoUpdateTime"`
	ProjectID     uint64    `gorm:"column:project_id;index;not null"`
	UserID        uint64    `gorm:"column:user_id"`
	URI           string    `gorm:"column:uri;size:255"`
	State         string    `gorm:"column:state;size:16;not null"`
	Progress      int       `gorm:"column:progress;not null;default:0"`
	ProgressSteps int       `gorm:"column:progress_steps;not null;default:0"`
	Completed     bool      `gorm:"column:completed;not null;default:false"`
	Hidden        bool      `gorm:"column:hidden;not null;default:false"`
	Workers       int       `gorm:"column:ncpu;not null;default:0"`
	Remarks       string    `gorm:"column:remarks;size:1024"`
}

func (Job) TableName() string { return "jobs" }

// Outstanding is the number of chunks not yet finished.
func (j *Job) Outstanding() int {
	return max(j.ProgressSteps-j.Progress, 0)
}

// Terminal reports whether the job reached completed or error.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateError
}

// JobParameters is the parameter snapshot of a detection job, one per job.
type JobParameters struct {
	ID         uint64         `gorm:"primaryKey"`
	JobID      uint64         `gorm:"column:job_id;uniqueIndex;not null"`
	Name       string         `gorm:"column:name;size:255"`
	PlaylistID uint64         `gorm:"column:playlist_id;not null"`
	Params     datatypes.JSON `gorm:"column:params"`
}

func (JobParameters) TableName() string { return "job_params_audio_event_detection_clustering" }

// Playlist is a named set of recordings in a project.
type Playlist struct {
	ID        uint64 `gorm:"column:playlist_id;primaryKey;autoIncrement"`
	ProjectID uint64 `gorm:"column:project_id;index;not null"`
	Name      string `gorm:"column:name;size:255"`
}

func (Playlist) TableName() string { return "playlists" }

// PlaylistRecording is the membership link between playlists and recordings.
type PlaylistRecording struct {
	PlaylistID  uint64 `gorm:"column:playlist_id;primaryKey;autoIncrement:false"`
	RecordingID uint64 `gorm:"column:recording_id;primaryKey;autoIncrement:false"`
}

func (PlaylistRecording) TableName() string { return "playlist_recordings" }

// Recording holds the metadata of one audio recording.
type Recording struct {
	ID         uint64    `gorm:"column:recording_id;primaryKey;autoIncrement"`
	URI        string    `gorm:"column:uri;size:512;not null"`
	Datetime   time.Time `gorm:"column:datetime"`
	SampleRate int       `gorm:"column:sample_rate;not null"`
}

func (Recording) TableName() string { return "recordings" }

// Detection is one persisted audio event. Frequencies are in Hz, times in
// seconds from the start of the recording.
type Detection struct {
	ID           uint64  `gorm:"column:aed_id;primaryKey;autoIncrement"`
	JobID        uint64  `gorm:"column:job_id;uniqueIndex:idx_aed_job_rec_ordinal,priority:1;not null"`
	RecordingID  uint64  `gorm:"column:recording_id;uniqueIndex:idx_aed_job_rec_ordinal,priority:2;not null"`
	Ordinal      int     `gorm:"column:aed_number;uniqueIndex:idx_aed_job_rec_ordinal,priority:3;not null"`
	TimeMin      float64 `gorm:"column:time_min"`
	TimeMax      float64 `gorm:"column:time_max"`
	FrequencyMin float64 `gorm:"column:frequency_min"`
	FrequencyMax float64 `gorm:"column:frequency_max"`
	ImageURI     string  `gorm:"column:uri_image;size:512"`
}

func (Detection) TableName() string { return "audio_event_detections_clustering" }

// DetectionKey identifies a detection inside a job before its id is known.
type DetectionKey struct {
	RecordingID uint64
	Ordinal     int
}

// Key returns the natural key of the detection.
func (d *Detection) Key() DetectionKey {
	return DetectionKey{RecordingID: d.RecordingID, Ordinal: d.Ordinal}
}

// PlaylistDetection links a detection to the playlist it was computed for.
type PlaylistDetection struct {
	PlaylistID  uint64 `gorm:"column:playlist_id;primaryKey;autoIncrement:false"`
	DetectionID uint64 `gorm:"column:aed_id;primaryKey;autoIncrement:false"`
}

func (PlaylistDetection) TableName() string { return "playlist_aed" }

// ChunkReceipt records that a chunk was finalized. The unique key on
// (job_id, worker_id) makes finalization idempotent across redeliveries.
type ChunkReceipt struct {
	ID          uint64    `gorm:"primaryKey"`
	JobID       uint64    `gorm:"column:job_id;uniqueIndex:idx_receipt_job_worker,priority:1;not null"`
	WorkerID    int       `gorm:"column:worker_id;uniqueIndex:idx_receipt_job_worker,priority:2;not null"`
	Recordings  int       `gorm:"column:recordings"`
	Failed      int       `gorm:"column:failed"`
	Detections  int       `gorm:"column:detections"`
	FinalizedAt time.Time `gorm:"column:finalized_at;autoCreateTime"`
}

func (ChunkReceipt) TableName() string { return "aed_chunk_receipts" }

// JobWork is the outstanding work of one job inside the admission window.
type JobWork struct {
	JobID       uint64
	Outstanding int
}

// AllModels lists every model managed by AutoMigrate.
func AllModels() []any {
	return []any{
		&Job{},
		&JobParameters{},
		&Playlist{},
		&PlaylistRecording{},
		&Recording{},
		&Detection{},
		&PlaylistDetection{},
		&ChunkReceipt{},
	}
}
