package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/to404hanga/pkg404/logger"
	loggerv2 "github.com/to404hanga/pkg404/logger/v2"
)

type Server struct {
	log loggerv2.Logger
	srv *http.Server
}

func NewEngine(log loggerv2.Logger, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.RegisterRoutes(r)
	return r
}

func NewServer(log loggerv2.Logger, addr string, engine *gin.Engine) *Server {
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		log: log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "api server listening", logger.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	// run-code 请求最长会同步等待 30 秒
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 35*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
