package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/questdb"
)

// StatsProvider exposes a named counter snapshot for the stats endpoint.
type StatsProvider interface {
	GetStats() questdb.Stats
}

// StatsFunc adapts a plain function to the StatsProvider interface.
type StatsFunc func() questdb.Stats

func (f StatsFunc) GetStats() questdb.Stats { return f() }

// Server hosts the Gin-powered operational endpoints: a liveness probe and a
// JSON view of the writer counters.
type Server struct {
	cfg        appconfig.DashboardConfig
	log        *logger.Log
	appName    string
	httpServer *http.Server
	providers  map[string]StatsProvider
	connected  func() bool
	startedAt  time.Time
}

// NewServer constructs a dashboard server when the dashboard is enabled.
// When disabled the returned server is nil and every method is a no-op.
func NewServer(cfg appconfig.DashboardConfig, appName string) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	return &Server{
		cfg:       cfg,
		log:       logger.GetLogger(),
		appName:   appName,
		providers: make(map[string]StatsProvider),
		startedAt: time.Now().UTC(),
	}
}

// RegisterStats attaches a named counter source, shown under its name in the
// stats payload. Must be called before Run.
func (s *Server) RegisterStats(name string, provider StatsProvider) {
	if s == nil {
		return
	}
	s.providers[name] = provider
}

// SetConnectedProbe installs the database connectivity check used by the
// health endpoint. Must be called before Run.
func (s *Server) SetConnectedProbe(probe func() bool) {
	if s == nil {
		return
	}
	s.connected = probe
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(),
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies(nil)

	router.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		dbUp := true
		if s.connected != nil {
			dbUp = s.connected()
		}
		if !dbUp {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"app":       s.appName,
			"questdb":   dbUp,
			"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		payload := gin.H{}
		for name, provider := range s.providers {
			stats := provider.GetStats()
			payload[name] = gin.H{
				"queue_depth": stats.QueueDepth,
				"enqueued":    stats.Enqueued,
				"dropped":     stats.Dropped,
				"flushed":     stats.Flushed,
				"batches":     stats.Batches,
				"failures":    stats.Failures,
				"last_flush":  stats.LastFlush.String(),
			}
		}
		c.JSON(http.StatusOK, gin.H{"writers": payload})
	})

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
