package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"solarmax-monitor/config"
	"solarmax-monitor/internal/collector"
	"solarmax-monitor/internal/history"
	"solarmax-monitor/internal/inverter"
	"solarmax-monitor/internal/metrics"
	"solarmax-monitor/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	dateLayout          = "2006-01-02"
	defaultStatsDays    = 30
	defaultReadingLimit = 100
	maxReadingLimit     = 1000
)

type Server struct {
	router    *gin.Engine
	server    *http.Server
	collector *collector.Collector
	importer  *history.Importer
	device    *inverter.SolarMax
	db        *storage.Database
	metrics   *metrics.Metrics
	config    *config.Config
	port      int
	logger    *zap.Logger

	infoMu sync.Mutex
	info   *inverter.DeviceInfo
}

type ServerConfig struct {
	Port      int
	Collector *collector.Collector
	Importer  *history.Importer
	Device    *inverter.SolarMax
	Database  *storage.Database
	Metrics   *metrics.Metrics
	Config    *config.Config
	Logger    *zap.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router:    router,
		collector: cfg.Collector,
		importer:  cfg.Importer,
		device:    cfg.Device,
		db:        cfg.Database,
		metrics:   cfg.Metrics,
		config:    cfg.Config,
		port:      cfg.Port,
		logger:    logger,
	}

	s.setupRoutes()
	return s
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.statusHandler)
		api.GET("/device", s.deviceHandler)
		api.GET("/readings", s.readingsHandler)
		api.GET("/statistics", s.statisticsHandler)
		api.GET("/history", s.historyHandler)
		api.POST("/history/import", s.importHistoryHandler)
		api.POST("/clock/sync", s.syncClockHandler)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("API server starting", zap.Int("port", s.port))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	state := s.collector.State()

	resp := gin.H{
		"status":              "healthy",
		"inverter_mode":       state.Mode,
		"inverter_online":     state.Mode.Online(),
		"collecting":          state.Collecting,
		"last_update_success": state.LastSuccess,
		"last_poll":           state.LastPoll,
		"history":             s.importer.Status(),
		"timestamp":           time.Now(),
	}
	if state.LastError != "" {
		resp["last_error"] = state.LastError
	}
	if s.config != nil {
		resp["settings"] = gin.H{
			"host":               s.config.Inverter.Host,
			"port":               s.config.Inverter.Port,
			"scan_interval":      s.config.Collector.ScanInterval.String(),
			"ping_host":          s.config.Collector.PingHost,
			"check_status_first": s.config.Collector.CheckStatusFirst,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) statusHandler(c *gin.Context) {
	snapshot := s.collector.Latest()
	if len(snapshot) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No data available yet",
		})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// deviceHandler reads the serial number once and caches it.
func (s *Server) deviceHandler(c *gin.Context) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()

	if s.info == nil {
		info, err := s.device.ReadSerialNumber()
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		s.info = info
	}
	c.JSON(http.StatusOK, s.info)
}

type readingResponse struct {
	Timestamp    time.Time      `json:"timestamp"`
	InverterMode string         `json:"inverter_mode"`
	Values       map[string]any `json:"values"`
}

func (s *Server) readingsHandler(c *gin.Context) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	limitStr := c.DefaultQuery("limit", fmt.Sprint(defaultReadingLimit))

	var limit int
	fmt.Sscanf(limitStr, "%d", &limit)
	if limit <= 0 || limit > maxReadingLimit {
		limit = defaultReadingLimit
	}

	var (
		readings []storage.Reading
		err      error
	)
	if fromStr != "" && toStr != "" {
		from, perr := time.Parse(time.RFC3339, fromStr)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
			return
		}
		to, perr := time.Parse(time.RFC3339, toStr)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
			return
		}
		readings, err = s.db.GetReadingsByRange(from, to)
	} else {
		readings, err = s.db.GetReadingsWithLimit(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]readingResponse, 0, len(readings))
	for _, r := range readings {
		values, err := r.Snapshot()
		if err != nil {
			s.logger.Warn("skipping unreadable reading", zap.Uint("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, readingResponse{
			Timestamp:    r.Timestamp,
			InverterMode: r.InverterMode,
			Values:       values,
		})
	}
	c.JSON(http.StatusOK, out)
}

// statisticsHandler returns imported production per day.
func (s *Server) statisticsHandler(c *gin.Context) {
	now := time.Now()
	toStr := c.DefaultQuery("to", now.Format(dateLayout))
	fromStr := c.DefaultQuery("from", now.AddDate(0, 0, -(defaultStatsDays-1)).Format(dateLayout))

	if _, err := time.Parse(dateLayout, fromStr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
		return
	}
	if _, err := time.Parse(dateLayout, toStr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
		return
	}

	totals, err := s.db.DailyTotals(history.Metadata.StatisticID, fromStr, toStr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var sum float64
	for _, t := range totals {
		sum += t.Energy
	}

	c.JSON(http.StatusOK, gin.H{
		"statistic_id": history.Metadata.StatisticID,
		"unit":         history.Metadata.Unit,
		"from":         fromStr,
		"to":           toStr,
		"days":         totals,
		"total_kwh":    sum,
	})
}

// historyHandler returns the hourly samples of one day.
func (s *Server) historyHandler(c *gin.Context) {
	dateStr := c.DefaultQuery("date", time.Now().Format(dateLayout))
	day, err := time.ParseInLocation(dateLayout, dateStr, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}

	stats, err := s.db.GetStatistics(history.Metadata.StatisticID, day, day.AddDate(0, 0, 1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"date":    dateStr,
		"hours":   stats,
		"history": s.importer.Status(),
	})
}

// importHistoryHandler queues a refresh for the monitor, or runs it inline
// with ?wait=true or when the monitor is not running.
func (s *Server) importHistoryHandler(c *gin.Context) {
	if c.Query("wait") != "true" && s.importer.Status().Monitoring {
		if !s.importer.RequestManualRefresh() {
			c.JSON(http.StatusConflict, gin.H{"error": "History import already queued"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "History import queued"})
		return
	}

	res, err := s.importer.Refresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) syncClockHandler(c *gin.Context) {
	if err := s.importer.SyncClock(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Inverter clock synchronized"})
}
