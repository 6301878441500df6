package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qfit-chat/internal/session"
	"qfit-chat/pkg/logger"
)

// Snapshot returns the current sessions to report. The daemon passes a
// closure over whatever sessions it holds open.
type Snapshot func() []session.Info

// Server is the client daemon's local debug/health surface.
type Server struct {
	http *http.Server
	log  *logger.Logger
}

func NewServer(port, mode string, snapshot Snapshot, log *logger.Logger) *Server {
	if mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": snapshot()})
	})

	return &Server{
		http: &http.Server{Addr: ":" + port, Handler: r},
		log:  log,
	}
}

// Start serves until Shutdown. Runs in its own goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("status server failed: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}
