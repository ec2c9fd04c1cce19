// Package progress keeps the live state of every compression job.
//
// A Tracker owns all Job records. Callers never hold a *Job outside of an
// Update callback, so every mutation happens inside one critical section and
// readers only ever see consistent snapshots.
package progress

import (
	"fmt"
	"sync"
	"time"

	"media-compressor-go/internal/apperr"
)

// Status labels reported to polling clients.
const (
	StatusStarting           = "Starting compression"
	StatusProcessingImage    = "Processing image"
	StatusProcessingVideo    = "Processing video"
	StatusCreatingArchive    = "Creating ZIP file"
	StatusCompleted          = "Completed"
	StatusCompletedWithError = "Completed with errors"
	StatusArchiveError       = "Error creating archive"
)

// Job is the mutable progress record of one batch.
type Job struct {
	ID             string
	StartTime      time.Time
	TotalFiles     int
	ProcessedFiles int
	TotalSize      int64
	ProcessedSize  int64
	CurrentFile    string
	Status         string
	Errors         []string
	ZipID          string
	Finished       bool
}

// JobView is an immutable snapshot of a Job, serialised to clients.
type JobView struct {
	TaskID         string    `json:"task_id"`
	StartTime      time.Time `json:"start_time"`
	TotalFiles     int       `json:"total_files"`
	ProcessedFiles int       `json:"processed_files"`
	TotalSize      int64     `json:"total_size"`
	ProcessedSize  int64     `json:"processed_size"`
	CurrentFile    string    `json:"current_file"`
	Status         string    `json:"status"`
	Errors         []string  `json:"errors"`
	ZipID          string    `json:"zip_id,omitempty"`
	Finished       bool      `json:"finished"`
}

func (j *Job) view() JobView {
	errs := make([]string, len(j.Errors))
	copy(errs, j.Errors)
	return JobView{
		TaskID:         j.ID,
		StartTime:      j.StartTime,
		TotalFiles:     j.TotalFiles,
		ProcessedFiles: j.ProcessedFiles,
		TotalSize:      j.TotalSize,
		ProcessedSize:  j.ProcessedSize,
		CurrentFile:    j.CurrentFile,
		Status:         j.Status,
		Errors:         errs,
		ZipID:          j.ZipID,
		Finished:       j.Finished,
	}
}

// Tracker is a concurrency-safe map from job id to Job.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	subs map[string]map[chan JobView]struct{}
	now  func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs: make(map[string]*Job),
		subs: make(map[string]map[chan JobView]struct{}),
		now:  time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// Create registers a new job with zero counters and the starting status.
func (t *Tracker) Create(id string, totalFiles int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; ok {
		return fmt.Errorf("job %s already exists", id)
	}
	t.jobs[id] = &Job{
		ID:         id,
		StartTime:  t.now(),
		TotalFiles: totalFiles,
		Status:     StatusStarting,
		Errors:     make([]string, 0),
	}
	return nil
}

// Update applies fn to the job under the tracker lock. fn must not retain the pointer.
// Afterwards processed files are clamped to [0, total] and sizes never shrink.
func (t *Tracker) Update(id string, fn func(*Job)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return &apperr.NotFoundError{Kind: "job", ID: id}
	}
	prevTotal, prevProcessed := j.TotalSize, j.ProcessedSize
	fn(j)
	if j.ProcessedFiles > j.TotalFiles {
		j.ProcessedFiles = j.TotalFiles
	}
	if j.ProcessedFiles < 0 {
		j.ProcessedFiles = 0
	}
	if j.TotalSize < prevTotal {
		j.TotalSize = prevTotal
	}
	if j.ProcessedSize < prevProcessed {
		j.ProcessedSize = prevProcessed
	}
	t.notifyLocked(j)
	return nil
}

// Get returns a snapshot of the job.
func (t *Tracker) Get(id string) (JobView, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return JobView{}, &apperr.NotFoundError{Kind: "job", ID: id}
	}
	return j.view(), nil
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// SweepOlderThan removes every job created more than d ago, finished or not.
func (t *Tracker) SweepOlderThan(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-d)
	for id, j := range t.jobs {
		if j.StartTime.Before(cutoff) {
			delete(t.jobs, id)
			for ch := range t.subs[id] {
				close(ch)
			}
			delete(t.subs, id)
		}
	}
}

// AddInputSize adds the size of an original file to the job.
func (t *Tracker) AddInputSize(id string, n int64) error {
	return t.Update(id, func(j *Job) {
		if n > 0 {
			j.TotalSize += n
		}
	})
}

// SetActivity records the file being worked on and the current status label.
func (t *Tracker) SetActivity(id, file, status string) error {
	return t.Update(id, func(j *Job) {
		j.CurrentFile = file
		j.Status = status
	})
}

// SetStatus replaces the status label of a running job. Finished jobs keep their terminal status.
func (t *Tracker) SetStatus(id, status string) error {
	return t.Update(id, func(j *Job) {
		if !j.Finished {
			j.Status = status
		}
	})
}

// RecordSuccess counts one resolved file and adds its compressed size.
func (t *Tracker) RecordSuccess(id string, compressedSize int64) error {
	return t.Update(id, func(j *Job) {
		if compressedSize > 0 {
			j.ProcessedSize += compressedSize
		}
		j.ProcessedFiles++
	})
}

// RecordFailure counts one resolved file and appends its error message.
func (t *Tracker) RecordFailure(id, message string) error {
	return t.Update(id, func(j *Job) {
		j.Errors = append(j.Errors, message)
		j.ProcessedFiles++
	})
}

// AppendError adds a job-level error message without touching the counters.
func (t *Tracker) AppendError(id, message string) error {
	return t.Update(id, func(j *Job) {
		j.Errors = append(j.Errors, message)
	})
}

// Finish moves the job into its terminal status. A job finishes at most once;
// later calls return an error and leave the record untouched.
func (t *Tracker) Finish(id, status, zipID string) error {
	var already bool
	err := t.Update(id, func(j *Job) {
		if j.Finished {
			already = true
			return
		}
		j.Finished = true
		j.Status = status
		j.ZipID = zipID
	})
	if err != nil {
		return err
	}
	if already {
		return fmt.Errorf("job %s already finished", id)
	}
	return nil
}

// Subscribe returns a channel that receives the latest snapshot of the job
// after every change. Slow readers only miss intermediate snapshots, never the
// latest one. The channel is closed by cancel or when the job is swept.
func (t *Tracker) Subscribe(id string) (<-chan JobView, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return nil, nil, &apperr.NotFoundError{Kind: "job", ID: id}
	}
	ch := make(chan JobView, 1)
	ch <- j.view()
	if t.subs[id] == nil {
		t.subs[id] = make(map[chan JobView]struct{})
	}
	t.subs[id][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.subs[id][ch]; ok {
				delete(t.subs[id], ch)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

func (t *Tracker) notifyLocked(j *Job) {
	subs := t.subs[j.ID]
	if len(subs) == 0 {
		return
	}
	v := j.view()
	for ch := range subs {
		select {
		case ch <- v:
		default:
			// Drop the stale snapshot so the newest one fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Summary returns a short human-readable description of the job.
func (v JobView) Summary() string {
	ratio := 0.0
	if v.TotalSize > 0 {
		ratio = float64(v.TotalSize-v.ProcessedSize) * 100 / float64(v.TotalSize)
	}
	return fmt.Sprintf("%s: %d/%d files, %s -> %s (%.1f%% saved), %d errors",
		v.Status, v.ProcessedFiles, v.TotalFiles,
		formatBytes(v.TotalSize), formatBytes(v.ProcessedSize), ratio, len(v.Errors))
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
