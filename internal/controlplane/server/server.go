package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/copytrader/internal/engine"
	"github.com/betbot/copytrader/internal/store"
	"github.com/betbot/copytrader/pkg/logger"
)

// Server 控制面 HTTP 服务。暴露运行状态查询与暂停/恢复开关，
// 只做只读观测与粗粒度控制，不提供下单接口。
type Server struct {
	engine  *engine.Engine
	journal *store.Journal
}

// New 创建控制面服务
func New(eng *engine.Engine, journal *store.Journal) *Server {
	return &Server{engine: eng, journal: journal}
}

// Router 构建路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/journal/stats", s.handleJournalStats)
	api.POST("/pause", s.handlePause)
	api.POST("/resume", s.handleResume)
	api.GET("/risk", s.handleRiskState)
	api.POST("/risk/halt", s.handleRiskHalt)
	api.POST("/risk/resume", s.handleRiskResume)

	return r
}

// StartAsync 启动控制面（非阻塞），ctx 取消时优雅关闭
func (s *Server) StartAsync(ctx context.Context, listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: listenAddr, Handler: s.Router()}
	log := logger.WithField("component", "controlplane")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("控制面服务异常退出: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("控制面已启动: http://%s", listenAddr)
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	includePositions := c.Query("positions") == "1"
	c.JSON(http.StatusOK, s.engine.Status(c.Request.Context(), includePositions))
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.PositionSnapshot()})
}

func (s *Server) handleJournalStats(c *gin.Context) {
	stats, err := s.journal.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handlePause(c *gin.Context) {
	s.engine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.engine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleRiskState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Breaker().Snapshot())
}

func (s *Server) handleRiskHalt(c *gin.Context) {
	s.engine.Breaker().Halt()
	c.JSON(http.StatusOK, s.engine.Breaker().Snapshot())
}

func (s *Server) handleRiskResume(c *gin.Context) {
	s.engine.Breaker().Resume()
	c.JSON(http.StatusOK, s.engine.Breaker().Snapshot())
}
