package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleList(c *gin.Context) {
	infos, err := s.svc.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) handleGet(c *gin.Context) {
	info, err := s.svc.GetStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleAdd(c *gin.Context) {
	var req core.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, types.NewError(types.KindInvalidArgument, err, "invalid request body"))
		return
	}
	if req.URL == "" {
		writeError(c, types.NewError(types.KindInvalidArgument, nil, "url is required"))
		return
	}

	id, err := s.svc.Add(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) action(c *gin.Context, status string, fn func(string) error) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

func (s *Server) handlePause(c *gin.Context)  { s.action(c, "paused", s.svc.Pause) }
func (s *Server) handleResume(c *gin.Context) { s.action(c, "resumed", s.svc.Resume) }
func (s *Server) handleCancel(c *gin.Context) { s.action(c, "cancelled", s.svc.Cancel) }
func (s *Server) handleDelete(c *gin.Context) { s.action(c, "removed", s.svc.Delete) }

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBuffer), hub: s.hub}
	if !s.hub.register(cl) {
		_ = conn.Close()
		return
	}

	go cl.writePump()
	cl.readPump()
}
