package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentrun/agent"
	"github.com/BaSui01/agentrun/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// SessionHandler upgrades connections and hands them to the runtime.
type SessionHandler struct {
	runtime *agent.Runtime
	logger  *zap.Logger
}

// NewSessionHandler creates the WebSocket session endpoint.
func NewSessionHandler(runtime *agent.Runtime, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "ws_handler")),
	}
}

// wsTransport adapts a websocket connection to agent.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (session.Frame, error) {
	var f session.Frame
	if err := wsjson.Read(ctx, t.conn, &f); err != nil {
		return session.Frame{}, err
	}
	return f, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, f session.Frame) error {
	return wsjson.Write(ctx, t.conn, f)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "session ended")
}

// ServeHTTP implements http.Handler. Who the user is comes from the outer
// authentication layer; anonymous connections get a shared placeholder id.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// cross-origin policy is the gateway's concern
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous"
	}

	h.runtime.ServeConn(r.Context(), userID, &wsTransport{conn: conn})
}
