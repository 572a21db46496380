package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

// WSHandler serves the build event socket. Each connection drives at most
// one session at a time.
type WSHandler struct {
	registry *build.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewWSHandler(registry *build.Registry, origins []string, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(origins, origin)
			},
		},
		logger: logger,
	}
}

// ServeHTTP handles GET /ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:       uuid.New().String(),
		conn:     conn,
		registry: h.registry,
		logger:   h.logger,
	}
	h.logger.Info("client connected", "client_id", c.id[:8])
	c.serve()
}

// wsClient is one socket connection. It is the Sink for its session.
type wsClient struct {
	id       string
	conn     *websocket.Conn
	registry *build.Registry
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	session *build.Session
}

// Send writes one event. Safe for concurrent use.
func (c *wsClient) Send(e build.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) current() *build.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *wsClient) bind(s *build.Session) *build.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.session
	c.session = s
	return prev
}

func (c *wsClient) serve() {
	defer c.close()
	c.conn.SetReadLimit(wsReadLimit)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("client read failed", "client_id", c.id[:8], "error", err)
			}
			return
		}

		msg, err := decodeClientMessage(data)
		if err != nil {
			c.logger.Warn("unparseable client message", "client_id", c.id[:8], "type", msg.Type, "error", err)
			if msg.Type == models.MsgStartBuild {
				c.reply(models.EventBuildError, build.BuildError{Message: malformed(err)})
			}
			continue
		}
		c.handle(msg)
	}
}

// close leaves any bound session running but detached; the idle sweep
// reaps it if nobody re-attaches.
func (c *wsClient) close() {
	if s := c.current(); s != nil {
		s.DetachIf(c)
	}
	c.conn.Close()
	c.logger.Info("client disconnected", "client_id", c.id[:8])
}

func (c *wsClient) handle(msg models.ClientMessage) {
	if msg.Type != models.MsgPing {
		c.logger.Debug("client message", "client_id", c.id[:8], "type", msg.Type)
	}

	switch msg.Type {
	case models.MsgPing:
		c.reply(models.EventPong, build.Pong{})
	case models.MsgStartBuild:
		c.startBuild(msg)
	case models.MsgAttachSession:
		c.attach(msg.SessionID)
	case models.MsgUserFeedback:
		if s := c.current(); s != nil {
			s.AddFeedback(msg.Message)
		}
	case models.MsgResolveConflict:
		if s := c.current(); s != nil {
			s.ResolveConflict(msg.ConflictKey(), msg.Choice, msg.CustomSolution)
		}
	case models.MsgPauseBuild:
		if s := c.current(); s != nil {
			s.Pause()
		}
	case models.MsgResumeBuild:
		if s := c.current(); s != nil {
			s.Resume()
		}
	case models.MsgApprovePhase:
		if s := c.current(); s != nil {
			s.Approve()
		}
	case models.MsgCancelBuild:
		if s := c.current(); s != nil {
			if err := c.registry.Cancel(s.ID); err != nil && !errors.Is(err, build.ErrNotFound) {
				c.logger.Warn("cancel failed", "session_id", s.ShortID(), "error", err)
			}
		}
	default:
		c.logger.Warn("unknown client message", "client_id", c.id[:8], "type", msg.Type)
	}
}

func (c *wsClient) startBuild(msg models.ClientMessage) {
	s, err := c.registry.Start(build.Request{Brief: msg.Brief, Options: msg.BuildOptions()}, c)
	if err != nil {
		c.logger.Warn("build rejected", "client_id", c.id[:8], "error", err)
		c.reply(models.EventBuildError, build.BuildError{Message: rejection(err, c.registry.Gate().Max())})
		return
	}

	if prev := c.bind(s); prev != nil {
		prev.DetachIf(c)
		if err := c.registry.Cancel(prev.ID); err == nil {
			c.logger.Info("previous build replaced", "session_id", prev.ShortID())
		}
	}
}

func (c *wsClient) attach(id string) {
	s, ok := c.registry.Get(id)
	if !ok {
		c.reply(models.EventBuildError, build.BuildError{Message: "Session not found or expired"})
		return
	}
	if prev := c.bind(s); prev != nil && prev != s {
		prev.DetachIf(c)
	}
	s.Attach(c)
	c.logger.Info("client attached", "client_id", c.id[:8], "session_id", s.ShortID())
}

func (c *wsClient) reply(typ string, data any) {
	e := build.Event{Type: typ, Timestamp: c.registry.Now().UnixMilli(), Data: data}
	if err := c.Send(e); err != nil {
		c.logger.Warn("reply failed", "client_id", c.id[:8], "type", typ, "error", err)
	}
}

// decodeClientMessage decodes data. On failure the returned message still
// carries the type when the header alone could be read.
func decodeClientMessage(data []byte) (models.ClientMessage, error) {
	var msg models.ClientMessage
	err := json.Unmarshal(data, &msg)
	if err == nil {
		return msg, nil
	}
	var header struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &header) == nil {
		msg = models.ClientMessage{Type: header.Type}
	}
	return msg, err
}

// malformed turns a start_build decode error into the message shown to the
// client.
func malformed(err error) string {
	var terr *json.UnmarshalTypeError
	if errors.As(err, &terr) && terr.Field != "" {
		if terr.Field == "brief" {
			return "Invalid brief: must be a string"
		}
		return fmt.Sprintf("Invalid config: %s must be %s, got %s", terr.Field, terr.Type, terr.Value)
	}
	return "Invalid config: " + err.Error()
}

// rejection turns a Start error into the message shown to the client.
func rejection(err error, maxBuilds int) string {
	var verr *build.ValidationError
	switch {
	case errors.As(err, &verr):
		if verr.Field == "brief" {
			return "Invalid brief: " + verr.Message
		}
		return "Invalid config: " + verr.Message
	case errors.Is(err, build.ErrCapacity):
		return fmt.Sprintf("Server is at maximum capacity (%d concurrent builds). Please try again shortly.", maxBuilds)
	case errors.Is(err, build.ErrProviderUnavailable):
		return "Server is not configured with a valid model provider credential. Cannot start build."
	}
	return err.Error()
}
