package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"tidbyt.dev/bustime"
	"tidbyt.dev/bustime/metrics"
)

// HTTP API over an Aggregator and SequenceResolver.
type Server struct {
	// Zone arrival times are rendered in.
	Location *time.Location

	Logger  *slog.Logger
	Metrics *metrics.Collector
	TimeNow func() time.Time

	aggregator *bustime.Aggregator
	resolver   *bustime.SequenceResolver
}

func NewServer(aggregator *bustime.Aggregator, resolver *bustime.SequenceResolver) *Server {
	return &Server{
		Location:   time.UTC,
		Logger:     slog.Default(),
		TimeNow:    time.Now,
		aggregator: aggregator,
		resolver:   resolver,
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/aggregate", s.handleAggregate).Methods("GET")
	r.HandleFunc("/nearby", s.handleNearby).Methods("GET")
	r.HandleFunc("/route-stops", s.handleRouteStops).Methods("GET")
	r.HandleFunc("/route-shape", s.handleRouteShape).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods("GET")
	}

	r.Use(s.logMiddleware)

	return s.corsMiddleware(r)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		if s.Metrics != nil {
			s.Metrics.ObserveRequest(route, strconv.Itoa(rec.status))
		}
		s.Logger.Info(
			"request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
