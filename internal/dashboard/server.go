// Package dashboard serves a read-only JSON view of the client state.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"venuesync/config"
	"venuesync/internal/metrics"
	"venuesync/internal/models"
	"venuesync/internal/session"
	"venuesync/logger"
)

// StateSource is the read side of the reconciliation store.
type StateSource interface {
	Markets() []models.Market
	Tokens() []models.Token
	SelectedMarket() string
	Orderbook() (models.EnhancedOrderbook, bool)
	RecentTrades() []models.EnhancedTrade
	Candles() []models.EnhancedCandle
	UserAddress() string
	Balances() []models.EnhancedBalance
	Orders() []models.EnhancedOrder
	UserTrades() []models.EnhancedTrade
	PendingOrders() []models.PendingOrder
}

// SessionSource reports live connection counters.
type SessionSource interface {
	Stats() session.Stats
}

// Server exposes the synchronized state and recent telemetry as read-only
// JSON endpoints.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	state         StateSource
	sess          SessionSource
	metrics       *metricHistory
	logs          *logHistory
	metricHandler metrics.MetricHandlerID
	sampler       *processSampler
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, state StateSource, sess SessionSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if state == nil || sess == nil {
		return nil, errors.New("dashboard requires a state and a session source")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	history := newMetricHistory(cfg.MetricsHistory)
	logs := newLogHistory(cfg.LogHistory)
	log.AddHook(logs)

	return &Server{
		cfg:           cfg,
		log:           log,
		state:         state,
		sess:          sess,
		metrics:       history,
		logs:          logs,
		metricHandler: metrics.RegisterMetricHandler(history.handle),
		sampler:       newProcessSampler(cfg.MetricsHistory, cfg.SampleInterval, log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

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

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logs.close()
	s.sampler.stop()
}

// Address reports the listen address after normalization.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		stats := s.sess.Stats()
		status := http.StatusOK
		if stats.State != session.StateConnected {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"state": stats.State.String()})
	})

	router.GET("/api/session", func(c *gin.Context) {
		stats := s.sess.Stats()
		c.JSON(http.StatusOK, gin.H{
			"state":            stats.State.String(),
			"connection_id":    stats.ConnectionID,
			"frames_in":        stats.FramesIn,
			"frames_out":       stats.FramesOut,
			"reconnects":       stats.Reconnects,
			"dropped_frames":   stats.DroppedFrames,
			"handler_failures": stats.HandlerFailures,
			"queued_frames":    stats.QueuedFrames,
			"subscriptions":    stats.Subscriptions,
		})
	})

	router.GET("/api/markets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"markets": s.state.Markets(),
			"tokens":  s.state.Tokens(),
		})
	})

	router.GET("/api/market", func(c *gin.Context) {
		selected := s.state.SelectedMarket()
		if selected == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no market selected"})
			return
		}
		payload := gin.H{
			"market_id": selected,
			"trades":    s.state.RecentTrades(),
			"candles":   s.state.Candles(),
		}
		if book, ok := s.state.Orderbook(); ok {
			payload["orderbook"] = book
		}
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/api/user", func(c *gin.Context) {
		address := s.state.UserAddress()
		if address == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no user session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"address":  address,
			"balances": s.state.Balances(),
			"orders":   s.state.Orders(),
			"pending":  s.state.PendingOrders(),
			"trades":   s.state.UserTrades(),
		})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metrics.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})

	router.GET("/api/process", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"samples": s.sampler.snapshot()})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
