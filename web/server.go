// Package web exposes the vision manager over HTTP: latest frames, result
// snapshots, runtime control, and metrics.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/opensight-robotics/opensight/camera"
	"github.com/opensight-robotics/opensight/frame"
	"github.com/opensight-robotics/opensight/pipeline"
	"github.com/opensight-robotics/opensight/vision"
)

// streamInterval paces MJPEG streaming at roughly 30 fps.
const streamInterval = 33 * time.Millisecond

// A Server routes HTTP requests to one vision.Manager.
type Server struct {
	manager *vision.Manager
	logger  golog.Logger

	mu         sync.Mutex
	httpServer *http.Server

	activeBackgroundWorkers sync.WaitGroup
}

// NewServer wraps manager.
func NewServer(manager *vision.Manager, logger golog.Logger) *Server {
	return &Server{manager: manager, logger: logger.Named("web")}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()

	mux.Handle(pat.Get("/api/status"), http.HandlerFunc(s.status))

	mux.Handle(pat.Post("/api/cameras/start"), http.HandlerFunc(s.startCamera))
	mux.Handle(pat.Post("/api/cameras/:id/stop"), http.HandlerFunc(s.stopCamera))
	mux.Handle(pat.Get("/api/cameras/:id/frame"), http.HandlerFunc(s.cameraFrame))
	mux.Handle(pat.Get("/api/cameras/:id/stream"), http.HandlerFunc(s.cameraStream))
	mux.Handle(pat.Get("/api/cameras/:id/results"), http.HandlerFunc(s.cameraResults))
	mux.Handle(pat.Get("/api/cameras/:id/probe"), http.HandlerFunc(s.cameraProbe))
	mux.Handle(pat.Post("/api/cameras/:id/calibration"), http.HandlerFunc(s.setCalibration))

	mux.Handle(pat.Post("/api/pipelines/start"), http.HandlerFunc(s.startPipeline))
	mux.Handle(pat.Post("/api/pipelines/:id/stop"), http.HandlerFunc(s.stopPipeline))
	mux.Handle(pat.Post("/api/pipelines/:id/config"), http.HandlerFunc(s.updatePipelineConfig))
	mux.Handle(pat.Get("/api/pipelines/:id/frame"), http.HandlerFunc(s.pipelineFrame))
	mux.Handle(pat.Get("/api/pipelines/:id/result"), http.HandlerFunc(s.pipelineResult))

	mux.Handle(pat.Get("/metrics"), promhttp.Handler())
	return mux
}

// Start begins serving on bindAddress in the background.
func (s *Server) Start(bindAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("web server already started")
	}
	s.httpServer = &http.Server{
		Addr:        bindAddress,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.activeBackgroundWorkers.Add(1)
	server := s.httpServer
	goutils.ManagedGo(func() {
		s.logger.Infow("serving", "address", bindAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("web server failed", "error", err)
		}
	}, s.activeBackgroundWorkers.Done)
	return nil
}

// Close shuts the listener down and waits for the serve goroutine.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	s.activeBackgroundWorkers.Wait()
	return err
}

type statusResponse struct {
	Cameras   []cameraStatus   `json:"cameras"`
	Pipelines []pipelineStatus `json:"pipelines"`
}

type cameraStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type pipelineStatus struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CameraID string `json:"camera_id"`
	Running  bool   `json:"running"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Cameras: []cameraStatus{}, Pipelines: []pipelineStatus{}}
	for _, conf := range s.manager.Cameras() {
		resp.Cameras = append(resp.Cameras, cameraStatus{
			ID:      conf.ID,
			Name:    conf.DisplayName(),
			Running: s.manager.CameraRunning(conf.ID),
		})
	}
	for _, conf := range s.manager.Pipelines() {
		resp.Pipelines = append(resp.Pipelines, pipelineStatus{
			ID:       conf.ID,
			Name:     conf.DisplayName(),
			CameraID: conf.CameraID,
			Running:  s.manager.PipelineRunning(conf.ID),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startCamera(w http.ResponseWriter, r *http.Request) {
	var conf camera.Config
	if err := decodeBody(r, &conf); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.manager.StartCamera(r.Context(), conf); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": conf.ID})
}

func (s *Server) stopCamera(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	if err := s.manager.StopCamera(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) cameraFrame(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.CameraFrame(pat.Param(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	serveFrame(w, r, f)
}

func (s *Server) cameraStream(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	if _, err := s.manager.CameraFrame(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.streamMJPEG(w, r, func() (*frame.Frame, error) {
		return s.manager.CameraFrame(id)
	})
}

func (s *Server) cameraResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.CameraResults(pat.Param(r, "id")))
}

func (s *Server) cameraProbe(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	for _, conf := range s.manager.Cameras() {
		if conf.ID == id {
			writeJSON(w, http.StatusOK, map[string]bool{"connected": camera.Probe(r.Context(), conf)})
			return
		}
	}
	writeError(w, http.StatusNotFound, errors.Errorf("camera %q is not running", id))
}

// setCalibration installs new calibration data. The capture loop is
// paused while it is applied so the restart picks the data up atomically.
func (s *Server) setCalibration(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	calibration, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "cannot read calibration"))
		return
	}
	if !json.Valid(calibration) {
		writeError(w, http.StatusBadRequest, errors.New("calibration must be valid JSON"))
		return
	}
	err = s.manager.ExecuteWithCameraPaused(r.Context(), id,
		func(ctx context.Context, conf camera.Config) (camera.Config, error) {
			conf.Calibration = calibration
			return conf, nil
		})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	var conf pipeline.Config
	if err := decodeBody(r, &conf); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.manager.StartPipeline(r.Context(), conf); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": conf.ID})
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	if err := s.manager.StopPipeline(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) updatePipelineConfig(w http.ResponseWriter, r *http.Request) {
	settings, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "cannot read settings"))
		return
	}
	if err := s.manager.UpdatePipelineConfig(pat.Param(r, "id"), settings); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": pat.Param(r, "id")})
}

func (s *Server) pipelineFrame(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.PipelineFrame(pat.Param(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	serveFrame(w, r, f)
}

func (s *Server) pipelineResult(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.manager.PipelineResult(pat.Param(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// streamMJPEG writes a multipart stream of the newest frames until the
// client disconnects.
func (s *Server) streamMJPEG(w http.ResponseWriter, r *http.Request, latest func() (*frame.Frame, error)) {
	clientID := uuid.New().String()
	s.logger.Debugw("stream client connected", "client", clientID, "path", r.URL.Path)
	defer s.logger.Debugw("stream client disconnected", "client", clientID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	quality := jpegQuality(r)

	var lastSeq uint64
	for {
		f, err := latest()
		if err != nil {
			return
		}
		if f != nil && f.Seq() != lastSeq {
			data, err := f.JPEG(quality)
			if err != nil {
				s.logger.Errorw("cannot encode stream frame", "client", clientID, "error", err)
				return
			}
			if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: " +
				strconv.Itoa(len(data)) + "\r\n\r\n")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
			lastSeq = f.Seq()
		}
		if !goutils.SelectContextOrWait(r.Context(), streamInterval) {
			return
		}
	}
}

func serveFrame(w http.ResponseWriter, r *http.Request, f *frame.Frame) {
	if f == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame captured yet"))
		return
	}
	data, err := f.JPEG(jpegQuality(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		return
	}
}

func jpegQuality(r *http.Request) int {
	quality, err := strconv.Atoi(r.URL.Query().Get("quality"))
	if err != nil {
		return frame.DefaultJPEGQuality
	}
	return quality
}

func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.Wrap(err, "cannot decode request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
