package compressor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"media-compressor-go/internal/apperr"
	"media-compressor-go/internal/config"
)

const (
	maxCRF          = 51
	diagnosticLines = 20
	maxStderrLine   = 1 << 20
)

// VideoStrategy transcodes videos to H.264/AAC MP4 with an external ffmpeg process.
type VideoStrategy struct {
	cfg config.VideoConfig
}

// NewVideoStrategy returns a VideoStrategy using cfg.
func NewVideoStrategy(cfg config.VideoConfig) *VideoStrategy {
	return &VideoStrategy{cfg: cfg}
}

func (s *VideoStrategy) Kind() Kind { return KindVideo }

func (s *VideoStrategy) OutputExt(string) string { return ".mp4" }

// CRF maps a 1..100 quality onto the x264 constant rate factor: lower quality,
// higher CRF.
func (s *VideoStrategy) CRF(quality int) int {
	crf := int(math.Round(float64(100-quality) * s.cfg.CRFFactor))
	if crf < 0 {
		return 0
	}
	if crf > maxCRF {
		return maxCRF
	}
	return crf
}

// Args returns the ffmpeg command line for one transcode.
func (s *VideoStrategy) Args(src, out string, quality int) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", src,
		"-c:v", "libx264", "-preset", s.cfg.Preset, "-crf", strconv.Itoa(s.CRF(quality)),
		"-pix_fmt", "yuv420p",
		"-c:a", s.cfg.AudioCodec,
	}
	if s.cfg.AudioBitrate != "" {
		args = append(args, "-b:a", s.cfg.AudioBitrate)
	}
	return append(args, "-movflags", "+faststart", out)
}

// Compress runs ffmpeg and drains its stderr line by line until EOF, passing
// every "time=" status line to req.Progress.
func (s *VideoStrategy) Compress(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegPath, s.Args(req.Source, req.Output, req.Quality)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, &apperr.TranscodeError{ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return Result{}, &apperr.TranscodeError{ExitCode: -1, Err: err}
	}

	tail := newLineRing(diagnosticLines)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail.add(line)
		if req.Progress != nil && strings.Contains(line, "time=") {
			req.Progress(line)
		}
	}
	if err := scanner.Err(); err != nil {
		// ffmpeg would block on a full pipe if we stopped reading.
		tail.add("stderr: " + err.Error())
		_, _ = io.Copy(io.Discard, stderr)
	}

	if err := cmd.Wait(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return Result{}, &apperr.TranscodeError{ExitCode: code, Diagnostics: tail.String(), Err: err}
	}

	info, err := os.Stat(req.Output)
	if err != nil {
		return Result{}, &apperr.TranscodeError{
			Diagnostics: tail.String(),
			Err:         fmt.Errorf("ffmpeg produced no output: %w", err),
		}
	}
	return Result{OutputPath: req.Output, Size: info.Size()}, nil
}

// CheckFFmpeg reports whether the ffmpeg binary can be found and where.
func CheckFFmpeg(path string) (string, error) {
	return exec.LookPath(path)
}

// scanStatusLines is bufio.ScanLines that also splits on a bare '\r', which
// ffmpeg uses to redraw its status line.
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// lineRing keeps the last n lines written to it.
type lineRing struct {
	lines []string
	next  int
	full  bool
}

func newLineRing(n int) *lineRing {
	return &lineRing{lines: make([]string, n)}
}

func (r *lineRing) add(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

func (r *lineRing) String() string {
	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
	}
	ordered = append(ordered, r.lines[:r.next]...)
	return strings.Join(ordered, "\n")
}
