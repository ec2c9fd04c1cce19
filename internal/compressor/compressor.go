package compressor

import (
	"context"
	"path/filepath"
	"strings"

	"media-compressor-go/internal/apperr"
)

// Kind is the capability a strategy provides.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Request describes the compression of a single file.
type Request struct {
	Source  string
	Output  string
	Quality int // 1..100
	// Progress, if set, receives free-text progress lines while the strategy runs.
	Progress func(line string)
}

// Result describes a successfully written output.
type Result struct {
	OutputPath string
	Size       int64
}

// Strategy compresses one file of a given kind.
type Strategy interface {
	Kind() Kind
	// OutputExt returns the extension of the output for a source with extension srcExt.
	OutputExt(srcExt string) string
	// Compress writes req.Output from req.Source. On error no usable output exists,
	// though a partial file may be left at req.Output.
	Compress(ctx context.Context, req Request) (Result, error)
}

// Registry dispatches files to strategies by extension.
type Registry struct {
	byExt map[string]Strategy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Strategy)}
}

// Register maps every extension in exts to s. Later registrations win.
func (r *Registry) Register(s Strategy, exts ...string) {
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = s
	}
}

// Lookup returns the strategy for filename, or an UnsupportedTypeError.
func (r *Registry) Lookup(filename string) (Strategy, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	s, ok := r.byExt[ext]
	if !ok {
		return nil, &apperr.UnsupportedTypeError{Ext: ext}
	}
	return s, nil
}

// Kind classifies filename without compressing it.
func (r *Registry) Kind(filename string) Kind {
	s, err := r.Lookup(filename)
	if err != nil {
		return KindUnknown
	}
	return s.Kind()
}
