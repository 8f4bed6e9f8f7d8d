// Package admin exposes a small read-only HTTP status surface over the
// relay's session registry and host metrics, in the style of the gin-based
// REST servers in the retrieved pack. It never mutates relay state.
package admin

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/simple64/netplay-relay/internal/relay"
)

// SnapshotSource is anything that can produce a relay.Snapshot on demand.
// relay.Server satisfies this; tests can substitute a fake.
type SnapshotSource interface {
	Snapshot() relay.Snapshot
}

// Server is the admin HTTP server. Building it never binds a socket; Start
// does, so construction can happen unconditionally and Start can be skipped
// or deferred without side effects.
type Server struct {
	logger logr.Logger
	relay  SnapshotSource

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer constructs the admin server bound to addr, e.g. ":8080".
func NewServer(addr string, relaySrc SnapshotSource, logger logr.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{logger: logger, relay: relaySrc}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/api/status", s.handleStatus)
	router.GET("/api/host", s.handleHost)

	return router
}

type sessionStatus struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	IsPlayer bool   `json:"is_player"`
	Latency  int32  `json:"latency_ms"`
	FPS      int32  `json:"fps"`
}

type statusResponse struct {
	Started   bool            `json:"started"`
	Lag       uint8           `json:"lag"`
	Autolag   bool            `json:"autolag"`
	UptimeSec float64         `json:"uptime_seconds"`
	Sessions  []sessionStatus `json:"sessions"`
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.relay.Snapshot()

	resp := statusResponse{
		Started:   snap.Started,
		Lag:       snap.Lag,
		Autolag:   snap.Autolag,
		UptimeSec: snap.UptimeSec,
	}
	for _, sess := range snap.Sessions {
		resp.Sessions = append(resp.Sessions, sessionStatus{
			ID:       sess.ID,
			Name:     sess.Name,
			IsPlayer: sess.IsPlayer,
			Latency:  sess.Latency,
			FPS:      sess.FPS,
		})
	}

	c.JSON(http.StatusOK, resp)
}

type hostResponse struct {
	OS          string  `json:"os"`
	Arch        string  `json:"arch"`
	CPUModel    string  `json:"cpu_model"`
	CPUCores    int     `json:"cpu_cores"`
	TotalMemMB  uint64  `json:"total_memory_mb"`
	CPUPercent  float64 `json:"cpu_percent"`
	UsedMemPerc float64 `json:"used_memory_percent"`
}

// handleHost reports host resource usage, useful for an operator deciding
// whether it's safe to host another game on this machine.
func (s *Server) handleHost(c *gin.Context) {
	resp := hostResponse{
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
	}

	if hi, err := host.Info(); err == nil {
		resp.OS = hi.Platform + " " + hi.PlatformVersion
	}
	if ci, err := cpu.Info(); err == nil && len(ci) > 0 {
		resp.CPUModel = ci[0].ModelName
	}
	if mi, err := mem.VirtualMemory(); err == nil {
		resp.TotalMemMB = mi.Total / (1024 * 1024)
		resp.UsedMemPerc = mi.UsedPercent
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}

	c.JSON(http.StatusOK, resp)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("admin server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
