package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/engine/manager"
	"PcapSentry/internal/writer"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultAlertLimit = 100
	multipartMemory   = 32 << 20
)

var captureExtensions = []string{".pcap", ".pcapng", ".cap"}

// UploadResponse describes the run started by an upload.
type UploadResponse struct {
	UploadID    string `json:"upload_id"`
	ScanID      string `json:"scan_id"`
	Filename    string `json:"filename"`
	Timestamp   string `json:"timestamp"`
	Connections int    `json:"connections"`
	DNSQueries  int    `json:"dns_queries"`
	Alerts      int    `json:"alerts"`
	ScanFolder  string `json:"scan_folder"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type serverMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	uploads  *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	f := promauto.With(reg)
	return &serverMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcap_dashboard",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pcap_dashboard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcap_dashboard",
			Name:      "uploads_total",
			Help:      "Uploaded captures by analysis status.",
		}, []string{"status"}),
	}
}

// Server is the dashboard HTTP API.
type Server struct {
	cfg      *config.Config
	store    *Store
	mgr      *manager.Manager
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *serverMetrics
	router   *mux.Router
	newID    func() string
}

// NewServer builds the API over the output directory and fallback store
// named by cfg.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr, err := manager.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s := &Server{
		cfg:      cfg,
		store:    NewStore(cfg.Output.Dir, cfg.Sink.FallbackFile, logger.Named("store")),
		mgr:      mgr,
		logger:   logger,
		registry: reg,
		metrics:  newServerMetrics(reg),
		newID:    uuid.NewString,
	}
	s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.instrument, cors)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/scans", s.handleScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", s.handleScan).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleAlert).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router = r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "PCAP dashboard API is running"})
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.store.Scans(r.Context())
	if err != nil {
		s.logger.Error("failed to list scans", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	detail, err := s.store.Scan(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrScanNotFound) {
		writeError(w, http.StatusNotFound, "Scan not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read scan", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read scan")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultAlertLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.store.Alerts(AlertFilter{
		Limit:     limit,
		Offset:    offset,
		AlertType: r.URL.Query().Get("alert_type"),
	})
	if err != nil {
		s.logger.Error("failed to read alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.store.Alert(mux.Vars(r)["id"])
	if errors.Is(err, ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "Alert not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read alerts")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	d := s.cfg.Dashboard
	st, err := s.store.Stats(r.Context(), d.RecentScans, d.RecentAlerts, d.TopTalkers)
	if err != nil {
		s.logger.Error("failed to compute stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func isCapture(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range captureExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// handleUpload stores the multipart "file" field under the uploads
// directory and analyzes it in the request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Dashboard.MaxUploadMB<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	name := filepath.Base(filepath.Clean("/" + header.Filename))
	if !isCapture(name) {
		writeError(w, http.StatusBadRequest, "File must be a PCAP/PCAPNG file")
		return
	}

	uploadID := s.newID()
	path, err := s.saveUpload(uploadID, name, file)
	if err != nil {
		s.logger.Error("failed to store upload", zap.String("filename", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	log := s.logger.With(zap.String("upload_id", uploadID), zap.String("filename", name))
	log.Info("analyzing upload", zap.String("path", path))

	resp := UploadResponse{UploadID: uploadID, Filename: name}
	res, err := s.mgr.Run(r.Context(), manager.Options{Capture: path})
	if err != nil {
		log.Warn("analysis failed", zap.Error(err))
		resp.Timestamp = time.Now().Format(time.RFC3339)
		resp.Status = writer.StatusFailed
		resp.Error = err.Error()
		s.metrics.uploads.WithLabelValues(resp.Status).Inc()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	resp.ScanID = res.ScanID
	resp.Timestamp = res.Started.Format(time.RFC3339)
	resp.Connections = len(res.Connections)
	resp.DNSQueries = len(res.DNS)
	resp.Alerts = len(res.Alerts)
	resp.ScanFolder = res.RunDir
	resp.Status = writer.StatusCompleted
	s.metrics.uploads.WithLabelValues(resp.Status).Inc()
	log.Info("analysis complete", zap.String("scan_id", res.ScanID), zap.Int("alerts", resp.Alerts))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) saveUpload(id, name string, src io.Reader) (path string, err error) {
	if err := os.MkdirAll(s.cfg.Dashboard.UploadsDir, 0o755); err != nil {
		return "", err
	}
	path = filepath.Join(s.cfg.Dashboard.UploadsDir, id+"_"+name)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	defer func() {
		err = errors.Join(err, dst.Close())
		if err != nil {
			os.Remove(path)
		}
	}()
	_, err = io.Copy(dst, src)
	return path, err
}
