// Package archive packs the compressed outputs of a job into one zip file.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"media-compressor-go/internal/apperr"
	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/storage"
)

// Assembler writes job archives and finalises the job record.
type Assembler struct {
	store   *storage.Store
	tracker *progress.Tracker
	log     logrus.FieldLogger
}

// NewAssembler returns an Assembler.
func NewAssembler(store *storage.Store, tracker *progress.Tracker, log logrus.FieldLogger) *Assembler {
	return &Assembler{store: store, tracker: tracker, log: log}
}

// Assemble writes every output into a new archive, deleting each loose output
// once it has been added, and moves the job to its terminal status.
//
// With no outputs the job is marked "Completed with errors" and no archive is
// created. A write failure leaves the partial archive on disk for inspection.
func (a *Assembler) Assemble(jobID string, outputs []string) (string, error) {
	log := logger.WithJob(a.log, jobID)
	if len(outputs) == 0 {
		return "", a.tracker.Finish(jobID, progress.StatusCompletedWithError, "")
	}

	_ = a.tracker.SetStatus(jobID, progress.StatusCreatingArchive)
	id, path := a.store.NewArchivePath()

	if err := a.write(path, outputs, log); err != nil {
		werr := &apperr.ArchiveWriteError{Path: id, Err: err}
		log.WithError(err).Error("Archive creation failed")
		_ = a.tracker.AppendError(jobID, "archive: "+err.Error())
		_ = a.tracker.Finish(jobID, progress.StatusArchiveError, "")
		return "", werr
	}

	log.WithFields(logrus.Fields{"archive": id, "entries": len(outputs)}).Info("Archive created")
	if err := a.tracker.Finish(jobID, progress.StatusCompleted, id); err != nil {
		return id, err
	}
	return id, nil
}

func (a *Assembler) write(path string, outputs []string, log logrus.FieldLogger) (err error) {
	f, err := a.store.Create(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	zw := zip.NewWriter(f)
	defer func() {
		if cerr := zw.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("finalize: %w", cerr)
		}
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()

	for _, out := range outputs {
		if err := a.addEntry(zw, out); err != nil {
			return err
		}
		if err := a.store.Remove(out); err != nil {
			log.WithField("file", out).Warnf("Failed to remove archived output: %v", err)
		}
	}
	return nil
}

// addEntry stores the file under its base name. Names are not deduplicated;
// outputs carry a unique suffix so collisions do not occur in practice.
func (a *Assembler) addEntry(zw *zip.Writer, path string) error {
	src, err := a.store.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header %s: %w", filepath.Base(path), err)
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write %s: %w", hdr.Name, err)
	}
	return nil
}
