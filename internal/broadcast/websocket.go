package broadcast

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Conn adapts a websocket connection to Socket.
type Conn struct {
	conn   *websocket.Conn
	userID string
	closed atomic.Bool
}

// UserID implements Socket.
func (c *Conn) UserID() string {
	return c.userID
}

// Send implements Socket.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// IsOpen implements Socket.
func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// ServeWebsocket upgrades the request, runs the socket through the handler hooks and
// returns once the client disconnects.
func (h *Handler) ServeWebsocket(w http.ResponseWriter, r *http.Request, userID string, opts *websocket.AcceptOptions) error {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return err
	}
	socket := &Conn{conn: ws, userID: userID}
	ctx := r.Context()

	h.Open(ctx, socket)
	defer h.Close(socket)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			socket.closed.Store(true)
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			_ = ws.Close(websocket.StatusInternalError, "read failed")
			return nil
		}
		h.Message(socket, data)
	}
}
