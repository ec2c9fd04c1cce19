// Package batch runs compression jobs: it fans a batch of uploaded files out
// to the compression strategies, folds every outcome into the job record and
// hands the successful outputs to the archive assembler.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"media-compressor-go/internal/apperr"
	"media-compressor-go/internal/archive"
	"media-compressor-go/internal/compressor"
	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/storage"
)

const (
	MinQuality = 1
	MaxQuality = 100
)

// File is one uploaded file.
type File struct {
	Name    string
	Content []byte
}

// Outcome is the result of processing one file. Exactly one of OutputPath and Err is set.
type Outcome struct {
	Filename       string
	OriginalSize   int64
	CompressedSize int64
	OutputPath     string
	Err            error
}

// Succeeded reports whether the file produced an output.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Options configures an Orchestrator.
type Options struct {
	Workers      int // concurrent files per batch
	VideoWorkers int // concurrent ffmpeg processes across all batches
}

// Orchestrator is the batch compression core.
type Orchestrator struct {
	store     *storage.Store
	tracker   *progress.Tracker
	registry  *compressor.Registry
	assembler *archive.Assembler
	log       logrus.FieldLogger

	workers  int
	videoSem *semaphore.Weighted

	// mu orders Submit's wg.Add against Shutdown's wg.Wait.
	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns an Orchestrator.
func New(
	store *storage.Store,
	tracker *progress.Tracker,
	registry *compressor.Registry,
	assembler *archive.Assembler,
	log logrus.FieldLogger,
	opts Options,
) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.VideoWorkers <= 0 {
		opts.VideoWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		tracker:   tracker,
		registry:  registry,
		assembler: assembler,
		log:       log,
		workers:   opts.Workers,
		videoSem:  semaphore.NewWeighted(int64(opts.VideoWorkers)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit validates the request, creates the job and starts processing it in
// the background. The returned id can be polled on the tracker immediately.
func (o *Orchestrator) Submit(files []File, quality int) (string, error) {
	if len(files) == 0 {
		return "", &apperr.ValidationError{Field: "files", Reason: "no files uploaded"}
	}
	if quality < MinQuality || quality > MaxQuality {
		return "", &apperr.ValidationError{
			Field:  "quality",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinQuality, MaxQuality, quality),
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return "", fmt.Errorf("orchestrator stopped: %w", context.Canceled)
	}

	jobID := uuid.NewString()
	if err := o.tracker.Create(jobID, len(files)); err != nil {
		return "", err
	}
	videos := 0
	for _, f := range files {
		if o.registry.Kind(f.Name) == compressor.KindVideo {
			videos++
		}
	}
	o.log.WithFields(logrus.Fields{
		"job_id":  jobID,
		"files":   len(files),
		"videos":  videos,
		"quality": quality,
	}).Info("Batch submitted")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(o.ctx, jobID, files, quality)
	}()
	return jobID, nil
}

// Wait blocks until every submitted batch has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting batches, cancels running transcodes and waits for
// in-flight batches to settle or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.cancel()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, jobID string, files []File, quality int) {
	log := logger.WithJob(o.log, jobID)

	p := pool.NewWithResults[Outcome]().WithMaxGoroutines(o.workers)
	for _, f := range files {
		p.Go(func() Outcome {
			return o.processSafely(ctx, jobID, f, quality)
		})
	}
	outcomes := p.Wait()

	var outputs []string
	var originalBytes, compressedBytes int64
	for _, out := range outcomes {
		originalBytes += out.OriginalSize
		if out.Succeeded() {
			outputs = append(outputs, out.OutputPath)
			compressedBytes += out.CompressedSize
		}
	}
	log.WithFields(logrus.Fields{
		"succeeded":        len(outputs),
		"failed":           len(outcomes) - len(outputs),
		"original_bytes":   originalBytes,
		"compressed_bytes": compressedBytes,
	}).Info("All files resolved")

	if _, err := o.assembler.Assemble(jobID, outputs); err != nil {
		log.WithError(err).Error("Batch finished without archive")
	}
}

// processSafely turns a panic inside a per-file task into a recorded failure.
// The job error carries only the panic value; the stack goes to the log.
func (o *Orchestrator) processSafely(ctx context.Context, jobID string, f File, quality int) Outcome {
	var out Outcome
	var pc panics.Catcher
	pc.Try(func() {
		out = o.processFile(ctx, jobID, f, quality)
	})
	if r := pc.Recovered(); r != nil {
		o.log.WithFields(logrus.Fields{"job_id": jobID, "file": f.Name}).Errorf("Panic while processing file: %v", r.AsError())
		err := fmt.Errorf("panic: %v", r.Value)
		_ = o.tracker.RecordFailure(jobID, failureMessage(f.Name, err))
		return Outcome{Filename: f.Name, Err: err}
	}
	return out
}

func (o *Orchestrator) processFile(ctx context.Context, jobID string, f File, quality int) (out Outcome) {
	out.Filename = f.Name
	log := logger.WithFile(logger.WithJob(o.log, jobID), f.Name)

	fail := func(err error) Outcome {
		out.Err = err
		log.WithError(err).Warn("File failed")
		_ = o.tracker.RecordFailure(jobID, failureMessage(f.Name, err))
		return out
	}

	strategy, err := o.registry.Lookup(f.Name)
	if err != nil {
		return fail(err)
	}

	ws, err := o.store.NewWorkspace()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.WithError(err).Warn("Failed to release workspace")
		}
	}()

	src, size, err := ws.Materialize(f.Name, bytes.NewReader(f.Content))
	_ = o.tracker.AddInputSize(jobID, size)
	out.OriginalSize = size
	if err != nil {
		return fail(err)
	}

	req := compressor.Request{
		Source:  src,
		Output:  o.store.CompressedPath(filepath.Base(src), strategy.OutputExt(filepath.Ext(src))),
		Quality: quality,
	}

	switch strategy.Kind() {
	case compressor.KindVideo:
		// The file only becomes current once it holds a transcode slot.
		if err := o.videoSem.Acquire(ctx, 1); err != nil {
			return fail(err)
		}
		defer o.videoSem.Release(1)
		_ = o.tracker.SetActivity(jobID, f.Name, progress.StatusProcessingVideo)
		req.Progress = func(line string) {
			_ = o.tracker.SetStatus(jobID, progress.StatusProcessingVideo+": "+line)
		}
	default:
		_ = o.tracker.SetActivity(jobID, f.Name, progress.StatusProcessingImage)
	}

	res, err := strategy.Compress(ctx, req)
	if err != nil {
		if rmErr := o.store.Remove(req.Output); rmErr != nil && !isNotExist(rmErr) {
			log.WithError(rmErr).Warn("Failed to remove partial output")
		}
		return fail(err)
	}

	out.OutputPath = res.OutputPath
	out.CompressedSize = res.Size
	_ = o.tracker.RecordSuccess(jobID, res.Size)
	log.WithFields(logrus.Fields{
		"original_size":   size,
		"compressed_size": res.Size,
		"kind":            strategy.Kind().String(),
	}).Info("File compressed")
	return out
}

func failureMessage(filename string, err error) string {
	return fmt.Sprintf("%s: %s", filename, strings.TrimSpace(err.Error()))
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
