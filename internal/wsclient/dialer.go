package wsclient

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/avelops/jobpulse/internal/models"
)

// Conn is one established connection to the gateway. The controller is the
// only writer and the only reader.
type Conn interface {
	ReadFrame() (*models.ServerFrame, error)
	WriteFrame(*models.ClientFrame) error
	Close() error
}

// Dialer establishes connections. Tests inject fakes; production uses
// WebsocketDialer.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// WebsocketDialer dials the gateway over a websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadFrame() (*models.ServerFrame, error) {
	var f models.ServerFrame
	if err := c.ws.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *wsConn) WriteFrame(f *models.ClientFrame) error {
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
