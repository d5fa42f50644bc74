package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlgrid/internal/domain"
	"github.com/betbot/hlgrid/internal/grid"
	"github.com/betbot/hlgrid/internal/history"
	"github.com/betbot/hlgrid/internal/metrics"
)

var log = logrus.WithField("component", "admin")

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Controller 运行中网格对外暴露的操作（由 *grid.RunningGrid 实现）
type Controller interface {
	Status() grid.Status
	Halt(reason string)
	ClearHalt()
	Recent(n int) []*domain.ManagedOrder
}

// HistoryReader 订单流水查询（由 *history.Store 实现）
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

type Config struct {
	Listen string // 例如 127.0.0.1:8090；为空表示不启动
}

// Server 运维用的 HTTP 接口：健康检查、状态、订单流水、人工熔断、指标
type Server struct {
	cfg  Config
	ctl  Controller
	hist HistoryReader
	http *http.Server
}

// New hist 可以为 nil，此时 /history 只返回内存中的最近订单
func New(cfg Config, ctl Controller, hist HistoryReader) (*Server, error) {
	if ctl == nil {
		return nil, errors.New("controller is required")
	}
	return &Server{cfg: cfg, ctl: ctl, hist: hist}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/history", s.handleHistory)

	risk := r.Group("/risk")
	risk.POST("/halt", s.handleHalt)
	risk.POST("/clear", s.handleClear)

	// 指标与 pprof 复用 metrics 包的 handler
	prom := gin.WrapH(metrics.Handler())
	r.GET("/metrics", prom)
	r.GET("/debug/pprof/*any", prom)
	return r
}

// Start 在后台监听；端口被占用等错误同步返回
func (s *Server) Start() error {
	if s.cfg.Listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("admin server 异常退出")
		}
	}()
	log.Infof("admin server 已启动: http://%s", ln.Addr())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.ctl.Status()
	code, status := http.StatusOK, "ok"
	if st.BookStale {
		code, status = http.StatusServiceUnavailable, "book_stale"
	}
	c.JSON(code, gin.H{
		"status": status,
		"halted": st.Halted,
		"uptime": time.Since(st.StartedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if s.hist != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		recs, err := s.hist.Recent(ctx, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"source": "sqlite", "orders": recs})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": "memory", "orders": s.ctl.Recent(limit)})
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(c *gin.Context) {
	var req haltRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual halt via admin api"
	}
	log.Warnf("收到人工熔断请求: %s (from %s)", reason, c.ClientIP())
	s.ctl.Halt(reason)
	c.JSON(http.StatusAccepted, gin.H{"halted": true, "reason": reason})
}

func (s *Server) handleClear(c *gin.Context) {
	log.Warnf("收到解除熔断请求 (from %s)", c.ClientIP())
	s.ctl.ClearHalt()
	c.JSON(http.StatusAccepted, gin.H{"halted": false})
}
