package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"media-compressor-go/internal/apperr"
	"media-compressor-go/internal/batch"
	"media-compressor-go/internal/config"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const (
	maxMemoryForm   = 32 << 20
	fallbackZipName = "compressed_files.zip"
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

// Submitter accepts compression batches.
type Submitter interface {
	Submit(files []batch.File, quality int) (string, error)
}

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	wsUpgrader websocket.Upgrader

	tracker   *progress.Tracker
	store     *storage.Store
	submitter Submitter
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SubmitResponse is returned by POST /compress-multiple.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, tracker *progress.Tracker, store *storage.Store, submitter Submitter) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		tracker:   tracker,
		store:     store,
		submitter: submitter,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced by the CORS layer
			},
		},
	}

	s.setupRoutes()
	s.handler = s.middleware(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/compress-multiple", s.handleCompress).Methods("POST")
	s.router.HandleFunc("/compression-progress/{task_id}", s.handleProgress).Methods("GET")
	s.router.HandleFunc("/download-zip/{zip_id}", s.handleDownload).Methods("GET")
	s.router.HandleFunc("/ws/progress/{task_id}", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Server.MaxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadMB<<20)
	}
	if err := r.ParseMultipartForm(maxMemoryForm); err != nil {
		s.log.WithError(err).Warn("Failed to parse upload")
		s.writeError(w, "Failed to parse upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	quality := s.cfg.Compression.DefaultQuality
	if raw := r.FormValue("quality"); raw != "" {
		q, err := parseQuality(raw)
		if err != nil {
			s.writeError(w, fmt.Sprintf("Invalid quality %q", raw), http.StatusBadRequest)
			return
		}
		quality = q
	}

	headers := r.MultipartForm.File["files"]
	files := make([]batch.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to read %s", fh.Filename), http.StatusBadRequest)
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to read %s", fh.Filename), http.StatusBadRequest)
			return
		}
		files = append(files, batch.File{Name: fh.Filename, Content: content})
	}

	id, err := s.submitter.Submit(files, quality)
	if err != nil {
		if apperr.IsValidation(err) {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.WithError(err).Error("Failed to submit batch")
		s.writeError(w, "Failed to start compression", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, SubmitResponse{TaskID: id})
}

// parseQuality reads a decimal quality value. Leading zeros are dropped so
// that "050" means 50 rather than an octal literal; signs and radix
// prefixes are rejected.
func parseQuality(raw string) (int, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, fmt.Errorf("empty quality")
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("quality %q is not a decimal number", raw)
		}
	}
	v = strings.TrimLeft(v, "0")
	if v == "" {
		v = "0"
	}
	return cast.ToIntE(v)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	view, err := s.tracker.Get(mux.Vars(r)["task_id"])
	if err != nil {
		s.writeError(w, "Task not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, view)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["zip_id"]
	f, info, err := s.store.OpenArchive(id)
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.log.WithError(err).Error("Failed to open archive")
		}
		s.writeError(w, "File not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	name := id
	if !storage.IsArchiveName(id) {
		name = fallbackZipName
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status": "ok",
			"jobs":   s.tracker.Len(),
		},
	})
}

// handleWebSocket pushes the job view on every change until the job finishes,
// is swept or the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	updates, cancel, err := s.tracker.Subscribe(taskID)
	if err != nil {
		s.writeError(w, "Task not found", http.StatusNotFound)
		return
	}
	defer cancel()

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log := s.log.WithField("job_id", taskID)
	log.Debug("WebSocket client connected")
	defer log.Debug("WebSocket client disconnected")

	// Reads are only used to notice the client closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case view, ok := <-updates:
			if !ok {
				s.closeWS(conn, websocket.CloseGoingAway, "task expired")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(view); err != nil {
				log.Debugf("Failed to write WebSocket message: %v", err)
				return
			}
			if view.Finished {
				s.closeWS(conn, websocket.CloseNormalClosure, view.Status)
				return
			}
		}
	}
}

func (s *Server) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
