package compressor

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"media-compressor-go/internal/apperr"
	"media-compressor-go/internal/config"
)

// ImageStrategy re-encodes still images in-process.
type ImageStrategy struct {
	background color.Color
	metadata   *MetadataCopier
	log        logrus.FieldLogger
}

// NewImageStrategy builds the image strategy. When metadata preservation is
// requested but exiftool is unavailable, it logs a warning and continues without it.
func NewImageStrategy(cfg config.ImageConfig, log logrus.FieldLogger) (*ImageStrategy, error) {
	bg, err := parseHexColor(cfg.Background)
	if err != nil {
		return nil, fmt.Errorf("image background: %w", err)
	}
	s := &ImageStrategy{background: bg, log: log}
	if cfg.PreserveMetadata {
		m, err := NewMetadataCopier()
		if err != nil {
			log.Warnf("exiftool unavailable, metadata will not be preserved: %v", err)
		} else {
			s.metadata = m
		}
	}
	return s, nil
}

func (s *ImageStrategy) Kind() Kind { return KindImage }

func (s *ImageStrategy) OutputExt(srcExt string) string { return strings.ToLower(srcExt) }

// Compress decodes the source, applies its EXIF orientation, flattens any
// transparency onto the background colour and encodes it at the requested quality.
func (s *ImageStrategy) Compress(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	img, err := imaging.Open(req.Source)
	if err != nil {
		return Result{}, &apperr.CodecError{Op: "decode", Err: err}
	}
	img = applyOrientation(img, readOrientation(req.Source))
	if hasAlpha(img) {
		img = flatten(img, s.background)
	}

	format, err := imaging.FormatFromFilename(req.Output)
	if err != nil {
		return Result{}, &apperr.CodecError{Op: "encode", Err: err}
	}

	tmpPath := req.Output + ".tmp"
	if err := encodeToFile(tmpPath, img, format, req.Quality); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, err
	}
	if err := os.Rename(tmpPath, req.Output); err != nil {
		_ = os.Remove(tmpPath)
		return Result{}, fmt.Errorf("rename output: %w", err)
	}

	if s.metadata != nil && format == imaging.JPEG {
		if err := s.metadata.Copy(req.Source, req.Output); err != nil {
			s.log.WithField("file", req.Output).Warnf("metadata not copied: %v", err)
		}
	}

	info, err := os.Stat(req.Output)
	if err != nil {
		return Result{}, fmt.Errorf("stat output: %w", err)
	}
	return Result{OutputPath: req.Output, Size: info.Size()}, nil
}

// Close releases the exiftool process, if any.
func (s *ImageStrategy) Close() error {
	if s.metadata == nil {
		return nil
	}
	return s.metadata.Close()
}

func encodeToFile(path string, img image.Image, format imaging.Format, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	encErr := imaging.Encode(f, img, format,
		imaging.JPEGQuality(quality),
		imaging.PNGCompressionLevel(png.BestCompression),
	)
	closeErr := f.Close()
	if encErr != nil {
		return &apperr.CodecError{Op: "encode", Err: encErr}
	}
	if closeErr != nil {
		return fmt.Errorf("close output: %w", closeErr)
	}
	return nil
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}

func flatten(img image.Image, bg color.Color) image.Image {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), bg)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// parseHexColor parses "#rrggbb" or "rrggbb" into an opaque colour.
func parseHexColor(s string) (color.Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return color.White, nil
	}
	if len(s) != 6 {
		return nil, fmt.Errorf("expected 6 hex digits, got %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
