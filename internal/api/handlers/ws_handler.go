package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/livescribe/internal/pubsub"
	"github.com/yoockh/livescribe/internal/stream"
	"github.com/yoockh/livescribe/internal/utils"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 25 * time.Second
	wsMaxMessage   = 4 << 20
)

type WSHandler struct {
	pipeline *stream.Pipeline
	mirror   *pubsub.Mirror
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler builds the streaming endpoint. mirror may be nil.
func NewWSHandler(pipeline *stream.Pipeline, mirror *pubsub.Mirror, logger *logrus.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		pipeline: pipeline,
		mirror:   mirror,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

type wsClientMsg struct {
	Type string `json:"type"`

	// chunk
	SequenceNumber *int64 `json:"sequenceNumber"`
	Payload        string `json:"payload"`
	AudioData      string `json:"audioData"`

	// start / update_context
	PatientID       string `json:"patientId"`
	ContextType     string `json:"contextType"`
	Language        string `json:"language"`
	ResumeSessionID string `json:"resumeSessionId"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.c.WriteJSON(v)
}

func (w *wsConn) writeControl(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(messageType, data, time.Now().Add(wsWriteTimeout))
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func protocolError(code utils.Code, msg string) stream.Event {
	return stream.Event{Type: stream.EventError, Code: code, Message: msg, Timestamp: time.Now().UTC()}
}

// Stream serves one recording client. The connection carries at most one
// session; it is closed once that session ends.
func (h *WSHandler) Stream(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	wc := &wsConn{c: conn}
	var out stream.Emitter = stream.EmitterFunc(func(e stream.Event) error { return wc.writeJSON(e) })
	if h.mirror != nil {
		out = h.mirror.Wrap(out)
	}

	sc := h.pipeline.Connect(userID, out)
	log := h.logger.WithFields(logrus.Fields{"connection_id": sc.ID, "user_id": userID})
	log.Info("stream connected")

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	defer func() {
		sc.Disconnect(context.Background())
		log.Info("stream disconnected")
	}()

	// keepalive; also closes the socket once the session has ended
	// asynchronously (idle timeout)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sc.State() == stream.ConnClosed {
					_ = wc.writeControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
					_ = conn.Close()
					return
				}
				if err := wc.writeControl(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(rerr).Debug("read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.writeJSON(protocolError(utils.CodeInvalidArgument, "invalid json"))
			continue
		}

		if !h.dispatch(ctx, sc, wc, &msg) {
			return
		}
		if sc.State() == stream.ConnClosed {
			_ = wc.writeControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return
		}
	}
}

// dispatch applies one client message. It returns false when the socket
// should be closed.
func (h *WSHandler) dispatch(ctx context.Context, sc *stream.Connection, wc *wsConn, msg *wsClientMsg) bool {
	switch msg.Type {
	case "start":
		sc.Start(ctx, stream.StartRequest{
			PatientID:       msg.PatientID,
			ContextType:     msg.ContextType,
			Language:        msg.Language,
			ResumeSessionID: msg.ResumeSessionID,
		})

	case "chunk", "audio_chunk":
		payload := msg.Payload
		if payload == "" {
			payload = msg.AudioData
		}
		if msg.SequenceNumber == nil {
			// same treatment as any other malformed chunk
			h.logger.WithField("connection_id", sc.ID).Warn("chunk without sequenceNumber dropped")
			return true
		}
		sc.Chunk(ctx, *msg.SequenceNumber, payload)

	case "pause":
		sc.Pause(ctx)

	case "resume":
		sc.Resume(ctx)

	case "update_context":
		sc.UpdateContext(ctx, stream.ContextUpdate{
			PatientID:   msg.PatientID,
			ContextType: msg.ContextType,
			Language:    msg.Language,
		})

	case "stop", "end_session":
		sc.Stop(ctx)

	case "cancel":
		sc.Cancel(ctx)

	case "ping":
		_ = wc.writeText([]byte(`{"type":"pong"}`))

	default:
		_ = wc.writeJSON(protocolError(utils.CodeInvalidArgument, "unknown message type"))
	}
	return true
}

// Watch mirrors the events of a live session to an observer. Requires the
// redis event mirror.
func (h *WSHandler) Watch(c *gin.Context) {
	const op = "WSHandler.Watch"

	sessionID := c.Param("session_id")
	if sessionID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "missing session_id", nil))
		return
	}
	if h.mirror == nil {
		writeError(c, utils.E(utils.CodeUnavailable, op, "event mirror is disabled", nil))
		return
	}
	if _, ok := h.pipeline.Registry().Get(sessionID); !ok {
		writeError(c, utils.E(utils.CodeSessionNotFound, op, "session is not live", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// reader only detects the observer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = h.mirror.Follow(ctx, sessionID, wc.writeText)
}
