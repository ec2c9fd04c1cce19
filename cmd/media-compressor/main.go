package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"media-compressor-go/internal/archive"
	"media-compressor-go/internal/batch"
	"media-compressor-go/internal/compressor"
	"media-compressor-go/internal/config"
	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/retention"
	"media-compressor-go/internal/storage"
	"media-compressor-go/internal/web"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	port    int
	quality int
	outPath string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "media-compressor",
	Short: "Batch image and video compression service",
	Long: `media-compressor accepts batches of images and videos, compresses every
file at a requested quality and packs the results into a downloadable zip.

Images are re-encoded with their EXIF orientation applied and transparency
flattened. Videos are transcoded to H.264 MP4 with ffmpeg.`,
	SilenceUsage: true,
}

// serveCmd starts the HTTP service and the retention sweeper.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compression HTTP service",
	Long: `Starts the HTTP service:
- POST /compress-multiple        upload a batch (multipart "files", optional "quality")
- GET  /compression-progress/ID  poll a job
- GET  /download-zip/ID          download the finished archive
- GET  /ws/progress/ID           stream job updates over a websocket
- GET  /health                   liveness`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// compressCmd runs one batch locally without the HTTP layer.
var compressCmd = &cobra.Command{
	Use:   "compress <file>...",
	Short: "Compress files locally and write the archive",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// sweepCmd runs a single retention pass.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired artifacts once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides server.port)")

	compressCmd.Flags().IntVar(&quality, "quality", 0, "quality 1-100 (default compression.default_quality)")
	compressCmd.Flags().StringVar(&outPath, "out", "compressed_files.zip", "where to write the archive")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(sweepCmd)
}

// app holds the wired service components shared by the commands.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   *storage.Store
	tracker *progress.Tracker
	images  *compressor.ImageStrategy
	orch    *batch.Orchestrator
}

func newApp() (*app, error) {
	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)
	if f := cfg.ConfigFileUsed(); f != "" {
		log.Infof("Using config file: %s", f)
	}

	store, err := storage.NewOSStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	tracker := progress.NewTracker()

	images, err := compressor.NewImageStrategy(cfg.Image, log)
	if err != nil {
		return nil, err
	}
	registry := compressor.NewRegistry()
	registry.Register(images, cfg.Compression.ImageExtensions...)
	registry.Register(compressor.NewVideoStrategy(cfg.Video), cfg.Compression.VideoExtensions...)

	if path, err := compressor.CheckFFmpeg(cfg.Video.FFmpegPath); err != nil {
		log.WithError(err).Warn("ffmpeg not available, video files will fail")
	} else {
		log.Debugf("Using ffmpeg at %s", path)
	}

	orch := batch.New(store, tracker, registry, archive.NewAssembler(store, tracker, log), log, batch.Options{
		Workers:      cfg.Compression.Workers,
		VideoWorkers: cfg.Compression.VideoWorkers,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		tracker: tracker,
		images:  images,
		orch:    orch,
	}, nil
}

func (a *app) close() {
	if err := a.images.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to stop exiftool")
	}
}

func (a *app) sweeper() *retention.Sweeper {
	return retention.NewSweeper(a.store, a.tracker, a.cfg.RetentionWindow(), a.cfg.SweepInterval(), a.log)
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	listenPort := a.cfg.Server.Port
	if cmd.Flags().Changed("port") {
		listenPort = port
	}

	a.cfg.OnChange(func(next *config.Config) {
		if verbose || quiet {
			return
		}
		if logger.SetLevel(a.log, next.Logging.Level) {
			a.log.Infof("Log level set to %s", next.Logging.Level)
		}
	}, func(err error) {
		a.log.WithError(err).Warn("Ignoring invalid config change")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.sweeper().Run(ctx)

	server := web.NewServer(a.cfg, a.log, a.tracker, a.store, a.orch)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(listenPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	a.log.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("Batches still running at shutdown")
	}
	a.log.Info("Server stopped gracefully")
	return nil
}

// runCompress compresses local files as one batch and copies the archive to --out.
func runCompress(cmd *cobra.Command, paths []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	q := a.cfg.Compression.DefaultQuality
	if cmd.Flags().Changed("quality") {
		q = quality
	}

	files := make([]batch.File, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, batch.File{Name: filepath.Base(p), Content: content})
	}

	id, err := a.orch.Submit(files, q)
	if err != nil {
		return err
	}
	a.orch.Wait()

	view, err := a.tracker.Get(id)
	if err != nil {
		return err
	}
	for _, msg := range view.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", msg)
	}
	if view.ZipID == "" {
		return fmt.Errorf("no archive produced: %s", view.Status)
	}
	if err := a.copyArchive(view.ZipID, outPath); err != nil {
		return err
	}

	if !quiet {
		fmt.Println(view.Summary())
		fmt.Printf("Archive written to %s\n", outPath)
	}
	return nil
}

func (a *app) copyArchive(zipID, dst string) error {
	src, _, err := a.store.OpenArchive(zipID)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return a.store.Remove(filepath.Join(a.store.Dir(storage.RoleArchives), zipID))
}

// runSweep performs one retention pass over the storage roles.
func runSweep() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.sweeper().SweepOnce()
	if !quiet {
		fmt.Printf("Removed %d files and %d directories\n", rep.FilesRemoved, rep.DirsRemoved)
	}
	return err
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
