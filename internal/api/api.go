// Package api exposes one adapter over HTTP: channel control, queries,
// transmit and a WebSocket stream of received frames.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/roffe/pcanrs"
	"github.com/roffe/pcanrs/internal/config"
	"github.com/roffe/pcanrs/pkg/sink"
	"go.uber.org/zap"
)

// Driver is the part of *pcanrs.Driver the API uses.
type Driver interface {
	Issue(ctx context.Context, cmd pcanrs.Command) (pcanrs.Reply, error)
	State() pcanrs.ChannelState
	Stats() pcanrs.Stats
	Status(ctx context.Context) (pcanrs.StatusFlags, error)
	Version(ctx context.Context) (pcanrs.Version, error)
	Serial(ctx context.Context) (string, error)
	Transmit(ctx context.Context, f pcanrs.Frame) error
}

type Server struct {
	d        Driver
	hub      *pcanrs.Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New returns the API for d. hub must be the driver's frame sink, or part
// of it, for the frame stream to carry anything.
func New(d Driver, hub *pcanrs.Hub, log *zap.Logger) *Server {
	return &Server{
		d:   d,
		hub: hub,
		log: log.With(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router(cfg config.APIConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.recovery(), s.logging(), corsMiddleware(cfg))

	v1 := router.Group("/api/v1")
	v1.GET("/info", s.info)
	v1.GET("/status", s.status)
	v1.POST("/open", s.open)
	v1.POST("/close", s.close)
	v1.POST("/bitrate", s.bitrate)
	v1.POST("/frames", s.transmit)
	v1.POST("/raw", s.raw)
	v1.GET("/frames/ws", s.stream)
	return router
}

func corsMiddleware(cfg config.APIConfig) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	return cors.New(corsConfig)
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.log.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.Stack("stacktrace"),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func (s *Server) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// statusCode maps driver errors onto HTTP.
func statusCode(err error) int {
	switch {
	case errors.Is(err, pcanrs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, pcanrs.ErrDeviceNak):
		return http.StatusConflict
	case errors.Is(err, pcanrs.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pcanrs.ErrTransport), errors.Is(err, pcanrs.ErrUnexpectedReply):
		return http.StatusBadGateway
	case errors.Is(err, pcanrs.ErrDriverClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var cerr *pcanrs.CommandError
	if errors.As(err, &cerr) {
		body["command"] = cerr.Command.String()
	}
	c.JSON(statusCode(err), body)
}

type infoResponse struct {
	State   string       `json:"state"`
	Version string       `json:"version,omitempty"`
	Serial  string       `json:"serial,omitempty"`
	Stats   pcanrs.Stats `json:"stats"`
}

func (s *Server) info(c *gin.Context) {
	ctx := c.Request.Context()
	v, err := s.d.Version(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	sn, err := s.d.Serial(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, infoResponse{
		State:   s.d.State().String(),
		Version: v.String(),
		Serial:  sn,
		Stats:   s.d.Stats(),
	})
}

func (s *Server) status(c *gin.Context) {
	flags, err := s.d.Status(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flags":   uint8(flags),
		"status":  flags.String(),
		"healthy": flags.Err() == nil,
	})
}

func (s *Server) ack(c *gin.Context, cmd pcanrs.Command) {
	if _, err := s.d.Issue(c.Request.Context(), cmd); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.d.State().String()})
}

func (s *Server) open(c *gin.Context) {
	var req struct {
		Listen bool `json:"listen"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	var cmd pcanrs.Command = pcanrs.Open{}
	if req.Listen {
		cmd = pcanrs.Listen{}
	}
	s.ack(c, cmd)
}

func (s *Server) close(c *gin.Context) {
	s.ack(c, pcanrs.Close{})
}

func (s *Server) bitrate(c *gin.Context) {
	var req struct {
		Kbit float64 `json:"kbit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, err := pcanrs.BitrateCommand(req.Kbit)
	if err != nil {
		fail(c, err)
		return
	}
	s.ack(c, cmd)
}

func (s *Server) transmit(c *gin.Context) {
	var m sink.Message
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := m.Frame()
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.d.Transmit(c.Request.Context(), f); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sink.NewMessage(f))
}

func (s *Server) raw(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reply, err := s.d.Issue(c.Request.Context(), pcanrs.Raw{Text: req.Command})
	var cerr *pcanrs.CommandError
	if err != nil && !errors.As(err, &cerr) {
		fail(c, err)
		return
	}
	body := gin.H{"kind": reply.Kind.String()}
	if reply.Kind == pcanrs.ReplyData {
		body["data"] = string(reply.Line())
	}
	if cerr != nil {
		body["error"] = cerr.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// parseIDs reads ?id=0x7E8&id=2024 style identifier filters.
func parseIDs(values []string) ([]uint32, error) {
	ids := make([]uint32, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseUint(v, 0, 32)
		if err != nil || id > pcanrs.MaxExtendedID {
			return nil, errors.New("invalid identifier " + strconv.Quote(v))
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func (s *Server) stream(c *gin.Context) {
	ids, err := parseIDs(c.QueryArray("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	clientID := uuid.New().String()
	sub := s.hub.Subscribe(256, ids...)
	s.log.Info("frame stream client connected",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)
	go s.streamRead(conn, sub, clientID)
	s.streamWrite(conn, sub)
}

// streamRead discards client messages and ends the subscription when the
// client goes away.
func (s *Server) streamRead(conn *websocket.Conn, sub *pcanrs.Subscriber, clientID string) {
	defer sub.Close()
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("frame stream read", zap.String("client_id", clientID), zap.Error(err))
			}
			s.log.Info("frame stream client disconnected", zap.String("client_id", clientID))
			return
		}
	}
}

func (s *Server) streamWrite(conn *websocket.Conn, sub *pcanrs.Subscriber) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case f, ok := <-sub.Chan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(sink.NewMessage(f)); err != nil {
				sub.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}
