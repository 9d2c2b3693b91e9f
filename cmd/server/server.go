package server

import (
	"context"
	"net/http"
	"time"

	"example.com/timelinesync/internal/backend"
	appkafka "example.com/timelinesync/internal/broker"
	"example.com/timelinesync/internal/graph"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/metrics"
	"example.com/timelinesync/internal/middleware"
	"example.com/timelinesync/internal/timeline"
	"github.com/gorilla/websocket"
)

type Server struct {
	timelines   *timeline.Orchestrator
	graph       *graph.Store
	backends    timeline.Resolver
	credentials *backend.Credentials
	// commands is optional; when set, sync endpoints accept ?async=true and
	// hand the cycle to the workers.
	commands  appkafka.KafkaWriter
	metrics   *metrics.Collectors
	jwtSecret []byte
	tokenTTL  time.Duration
	upgrader  websocket.Upgrader
	// uploadLimit caps a media upload request body.
	uploadLimit int64
}

// Options is the dependency set of a Server.
type Options struct {
	Timelines   *timeline.Orchestrator
	Graph       *graph.Store
	Backends    timeline.Resolver
	Credentials *backend.Credentials
	Commands    appkafka.KafkaWriter
	Metrics     *metrics.Collectors
	JWTSecret   string
	TokenTTL    time.Duration
	// MaxUploadBytes caps a media upload; zero means maxUploadBytes.
	MaxUploadBytes int64
}

func New(opts Options) *Server {
	if opts.Credentials == nil {
		opts.Credentials = backend.NewCredentials()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = maxUploadBytes
	}
	return &Server{
		timelines:   opts.Timelines,
		graph:       opts.Graph,
		backends:    opts.Backends,
		credentials: opts.Credentials,
		commands:    opts.Commands,
		metrics:     opts.Metrics,
		jwtSecret:   []byte(opts.JWTSecret),
		tokenTTL:    opts.TokenTTL,
		uploadLimit: opts.MaxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

var logg = logger.New()

// Routes returns the HTTP handler with every endpoint registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	auth := middleware.JWTAuth(s.jwtSecret)

	// Public endpoints
	mux.Handle("POST /accounts", http.HandlerFunc(s.createAccountHandler))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Protected endpoints with JWT authentication middleware
	mux.Handle("DELETE /accounts/me", auth(http.HandlerFunc(s.deleteAccountHandler)))
	mux.Handle("GET /timelines/{kind}", auth(http.HandlerFunc(s.getTimelineHandler)))
	mux.Handle("GET /timelines/{kind}/state", auth(http.HandlerFunc(s.stateHandler)))
	mux.Handle("GET /timelines/{kind}/stream", auth(http.HandlerFunc(s.streamHandler)))
	mux.Handle("POST /timelines/{kind}/latest", auth(s.syncHandler(opLatest)))
	mux.Handle("POST /timelines/{kind}/oldest", auth(s.syncHandler(opOldest)))
	mux.Handle("POST /timelines/{kind}/more", auth(s.syncHandler(opMore)))
	mux.Handle("POST /timelines/{kind}/reset", auth(http.HandlerFunc(s.resetHandler)))
	mux.Handle("DELETE /statuses/{id}", auth(http.HandlerFunc(s.deleteStatusHandler)))
	mux.Handle("POST /media", auth(http.HandlerFunc(s.uploadMediaHandler)))
	return mux
}

// Run starts the HTTP(S) server and shuts it down gracefully when ctx ends.
// TLS is used when both certificate paths are set.
func Run(ctx context.Context, s *Server, addr, certFile, keyFile string) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second, // prevent slowloris attacks
		// sync endpoints wait on backend round trips
		WriteTimeout: 60 * time.Second,
	}

	// --- Start server in a goroutine ---
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			logg.Info("server", "Starting HTTPS server on "+addr)
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			logg.Info("server", "Starting HTTP server on "+addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logg.Error("server", "Server stopped unexpectedly", err)
		}
	}()

	// --- Graceful shutdown ---
	<-ctx.Done()
	logg.Info("server", "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server", "Error during server shutdown", err)
	} else {
		logg.Info("server", "Server stopped gracefully")
	}
}
