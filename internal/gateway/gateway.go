// Package gateway accepts client websocket connections, authenticates them
// after the transport handshake, subscribes them to the broadcast bus for
// their authorized jobs and serves history replay against the event log.
//
// A connection is never trusted at upgrade time: it must present a valid
// session token in an auth frame within the configured window before any
// subscription or data flow is permitted.
package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avelops/jobpulse/internal/bus"
	"github.com/avelops/jobpulse/internal/models"
)

// Sessions resolves a session token to a user. Implemented by the store.
type Sessions interface {
	GetUserFromSession(token string) (*models.User, error)
}

// History is the slice of the event log store the gateway reads from.
type History interface {
	ReadEventsSince(jobID string, ownerID int64, afterSeq int64, limit int) ([]*models.ProgressEvent, error)
	JobOwner(jobID string) (int64, error)
}

// Options tunes per-connection behavior. Zero values fall back to defaults.
type Options struct {
	// AuthWindow is how long an unauthenticated connection may exist before
	// it is closed. Default 10s.
	AuthWindow time.Duration
	// HistoryPageSize bounds each history read so replaying a very long job
	// never holds its full event list in memory. Default 200.
	HistoryPageSize int
	// InboundPerSecond rate-limits client frames; frames beyond the budget
	// are dropped. Default 20.
	InboundPerSecond int

	WriteWait  time.Duration // default 10s
	PongWait   time.Duration // default 60s
	PingPeriod time.Duration // default 54s, must be less than PongWait
	SendBuffer int           // default 64
}

func (o *Options) fillDefaults() {
	if o.AuthWindow <= 0 {
		o.AuthWindow = 10 * time.Second
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = 200
	}
	if o.InboundPerSecond <= 0 {
		o.InboundPerSecond = 20
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

// Gateway upgrades HTTP requests to websocket connections and runs the
// per-connection protocol.
type Gateway struct {
	bus      *bus.Bus
	history  History
	sessions Sessions
	opts     Options
	upgrader websocket.Upgrader
}

// New creates a Gateway over the broadcast bus and event log.
func New(b *bus.Bus, history History, sessions Sessions, opts Options) *Gateway {
	opts.fillDefaults()
	return &Gateway{
		bus:      b,
		history:  history,
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks are not a trust boundary here: every connection
			// must still authenticate at the protocol level.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and starts the connection's pumps.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}
	c := newConn(g, ws)
	go c.writePump()
	go c.readPump()
}
