// Package server exposes the collector upload API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/happy-eyeballs/he-webtester/internal/collector/store"
	"github.com/happy-eyeballs/he-webtester/internal/logging"
)

const (
	DefaultUploadRate   = 20
	DefaultUploadBurst  = 40
	DefaultMaxBodyBytes = 8 << 20
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// UploadRate is the sustained number of accepted uploads per second.
	UploadRate   float64
	UploadBurst  int
	MaxBodyBytes int64
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger   log.Interface
	Store    store.Store
	Now      func() time.Time
	NewID    func() string
	Registry *prometheus.Registry
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg     Config
	deps    Dependencies
	limiter *rate.Limiter
	batches *prometheus.CounterVec
}

type uploadResponse struct {
	Message string `json:"message"`
	BatchID string `json:"batch_id"`
}

// New constructs an HTTP server with the upload endpoints.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":40000"
	}
	if cfg.UploadRate <= 0 {
		cfg.UploadRate = DefaultUploadRate
	}
	if cfg.UploadBurst <= 0 {
		cfg.UploadBurst = DefaultUploadBurst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	deps.Logger = logging.OrDiscard(deps.Logger)
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(rate.Limit(cfg.UploadRate), cfg.UploadBurst),
		batches: promauto.With(deps.Registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "he_collector",
			Name:      "batches_total",
			Help:      "Upload requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	r := mux.NewRouter()
	for _, kind := range []store.Kind{store.KindResults, store.KindV2Results, store.KindDNSResults} {
		r.HandleFunc("/"+string(kind), s.resultsHandler(kind)).Methods(http.MethodPost)
	}
	r.HandleFunc("/"+string(store.KindDNSQuery), s.dnsQueryHandler()).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.healthHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.Server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

var (
	errNotArray      = errors.New("expected a non-empty json array")
	errMissingFields = errors.New("first element must carry id and runCount")
	errNotObject     = errors.New("expected a json object")
	errMissingNSIP   = errors.New("ns_ip is required")
)

// validateRuns accepts a non-empty array whose first element has id and
// runCount, and returns the number of elements.
func validateRuns(body []byte) (int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil || len(items) == 0 {
		return 0, errNotArray
	}
	var first map[string]json.RawMessage
	if err := json.Unmarshal(items[0], &first); err != nil || first == nil {
		return 0, errMissingFields
	}
	if _, ok := first["id"]; !ok {
		return 0, errMissingFields
	}
	if _, ok := first["runCount"]; !ok {
		return 0, errMissingFields
	}
	return len(items), nil
}

func validateDNSQuery(body []byte) (int, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return 0, errNotObject
	}
	if _, ok := obj["ns_ip"]; !ok {
		return 0, errMissingNSIP
	}
	return 1, nil
}

func (s *Server) resultsHandler(kind store.Kind) http.HandlerFunc {
	return s.upload(kind, validateRuns)
}

func (s *Server) dnsQueryHandler() http.HandlerFunc {
	return s.upload(store.KindDNSQuery, validateDNSQuery)
}

func (s *Server) upload(kind store.Kind, validate func([]byte) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.batches.WithLabelValues(string(kind), "limited").Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			s.batches.WithLabelValues(string(kind), "rejected").Inc()
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "unable to read body", http.StatusBadRequest)
			return
		}

		items, err := validate(body)
		if err != nil {
			s.batches.WithLabelValues(string(kind), "rejected").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		batch := store.Batch{
			ID:         s.deps.NewID(),
			Kind:       kind,
			ReceivedAt: s.deps.Now().UTC(),
			Items:      items,
			Payload:    body,
		}
		if err := s.deps.Store.Append(r.Context(), batch); err != nil {
			s.batches.WithLabelValues(string(kind), "failed").Inc()
			s.deps.Logger.WithError(err).WithField("kind", kind).Error("store batch failed")
			http.Error(w, "unable to store batch", http.StatusInternalServerError)
			return
		}
		s.batches.WithLabelValues(string(kind), "stored").Inc()
		s.deps.Logger.WithFields(log.Fields{
			"kind":     kind,
			"batch_id": batch.ID,
			"items":    items,
		}).Info("batch stored")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(uploadResponse{Message: "Data uploaded successfully", BatchID: batch.ID})
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.deps.Logger.WithError(err).Warn("store ping failed")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
