// Package api exposes a TransferService over HTTP with a websocket event
// stream.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/engine/events"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is bound to loopback by default and guarded by the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the control API.
type Server struct {
	svc     core.TransferService
	token   string
	version string
	engine  *gin.Engine
	hub     *Hub
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer wires routes for svc. An empty token disables authentication.
func NewServer(svc core.TransferService, token, version string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		svc:     svc,
		token:   token,
		version: version,
		hub:     NewHub(),
		log:     utils.Logger("api"),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), corsMiddleware(), s.loggerMiddleware())
	s.setupRoutes()

	s.wg.Add(1)
	go s.pumpEvents()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group(core.APIPrefix, s.authMiddleware())
	{
		v1.GET("/transfers", s.handleList)
		v1.POST("/transfers", s.handleAdd)
		v1.GET("/transfers/:id", s.handleGet)
		v1.DELETE("/transfers/:id", s.handleDelete)
		v1.POST("/transfers/:id/pause", s.handlePause)
		v1.POST("/transfers/:id/resume", s.handleResume)
		v1.POST("/transfers/:id/cancel", s.handleCancel)
		v1.GET("/events", s.handleEvents)
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("control API listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, disconnects websocket clients and stops
// the event pump. The transfer service is left to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.Close()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	s.wg.Wait()
	return err
}

// pumpEvents forwards service events to websocket clients.
func (s *Server) pumpEvents() {
	defer s.wg.Done()

	ch, cleanup, err := s.svc.StreamEvents(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("event stream unavailable")
		return
	}
	defer cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := events.Encode(msg)
			if err != nil {
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			s.hub.Broadcast(data)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := s.log.Debug()
		switch {
		case status >= 500:
			ev = s.log.Error()
		case status >= 400:
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// authMiddleware checks the bearer token. Websocket clients that cannot set
// headers may pass it as ?token=.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}

		given := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if given == "" {
			given = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// writeError maps a TransferError kind to an HTTP status.
func writeError(c *gin.Context, err error) {
	kind := types.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case types.KindInvalidArgument:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind.String()})
}
