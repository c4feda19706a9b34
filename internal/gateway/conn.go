package gateway

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/avelops/jobpulse/internal/models"
	"github.com/avelops/jobpulse/internal/store"
)

// conn is one client connection walking the state machine
// Connected(unauthenticated) -> Authenticated -> Subscribed -> Closed.
type conn struct {
	id      string
	gw      *Gateway
	ws      *websocket.Conn
	limiter *rate.Limiter

	sendCh chan models.ServerFrame
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	user *models.User
	subs map[string]func() // job id -> bus cancel
}

func newConn(g *Gateway, ws *websocket.Conn) *conn {
	return &conn{
		id:      uuid.NewString(),
		gw:      g,
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(g.opts.InboundPerSecond), 2*g.opts.InboundPerSecond),
		sendCh:  make(chan models.ServerFrame, g.opts.SendBuffer),
		closed:  make(chan struct{}),
		subs:    make(map[string]func()),
	}
}

// close tears the connection down: every subscription is destroyed, nothing
// durable changes. The websocket itself is closed by writePump after it
// flushes whatever is still queued, so protocol rejections reach the client.
func (c *conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		for jobID, cancel := range c.subs {
			cancel()
			delete(c.subs, jobID)
		}
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *conn) authenticated() *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// send blocks until the frame is queued or the connection closes. Used for
// protocol responses and history items, which must not be dropped.
func (c *conn) send(f models.ServerFrame) bool {
	select {
	case c.sendCh <- f:
		return true
	case <-c.closed:
		return false
	}
}

// trySend drops the frame when the outbound buffer is full. Used for live
// events only: the broadcast path is best-effort and history replay covers
// any loss.
func (c *conn) trySend(f models.ServerFrame) {
	select {
	case c.sendCh <- f:
	case <-c.closed:
	default:
	}
}

// readPump owns the websocket read side. The first read deadline is the
// authentication window; once authenticated the deadline moves to the
// usual pong-based liveness check.
func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.AuthWindow))
	c.ws.SetPongHandler(func(string) error {
		if c.authenticated() != nil {
			c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
		}
		return nil
	})

	for {
		var f models.ClientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: connection %s read error: %v", c.id, err)
			}
			return
		}
		if !c.limiter.Allow() {
			log.Printf("gateway: connection %s exceeded inbound rate, dropping %q frame", c.id, f.Type)
			continue
		}
		if !c.handleFrame(&f) {
			return
		}
		if c.authenticated() != nil {
			c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
		}
	}
}

// writePump owns the websocket write side and the transport-level
// keepalive pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.flush()
		c.ws.Close()
	}()

	for {
		select {
		case f := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// flush writes frames queued before the shutdown signal, so a rejection
// sent right before closing still reaches the client.
func (c *conn) flush() {
	for {
		select {
		case f := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handleFrame processes one client frame. Returning false closes the
// connection.
func (c *conn) handleFrame(f *models.ClientFrame) bool {
	switch f.Type {
	case models.FrameAuth:
		return c.handleAuth(f.Token)
	case models.FramePing:
		c.send(models.ServerFrame{Type: models.FramePong})
		return true
	}

	// Everything else requires an authenticated connection.
	user := c.authenticated()
	if user == nil {
		c.send(models.ServerFrame{Type: models.FrameAuthFailed, Error: "authenticate first"})
		return false
	}

	switch f.Type {
	case models.FrameSubscribe:
		c.handleSubscribe(user, f.JobID)
	case models.FrameUnsubscribe:
		c.handleUnsubscribe(f.JobID)
	case models.FrameHistoryRequest:
		c.handleHistory(user, f.JobID, f.SinceSequence)
	default:
		log.Printf("gateway: connection %s sent unknown frame type %q", c.id, f.Type)
	}
	return true
}

func (c *conn) handleAuth(token string) bool {
	user, err := c.gw.sessions.GetUserFromSession(token)
	if err != nil {
		c.send(models.ServerFrame{Type: models.FrameAuthFailed, Error: "invalid session"})
		return false
	}
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	c.send(models.ServerFrame{Type: models.FrameAuthOK})
	return true
}

func (c *conn) handleSubscribe(user *models.User, jobID string) {
	if jobID == "" {
		c.send(models.ServerFrame{Type: models.FrameNotFound})
		return
	}

	owner, err := c.gw.history.JobOwner(jobID)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		c.send(models.ServerFrame{Type: models.FrameNotFound, JobID: jobID})
		return
	case err != nil:
		log.Printf("gateway: connection %s owner lookup for job %s failed: %v", c.id, jobID, err)
		c.send(models.ServerFrame{Type: models.FrameNotFound, JobID: jobID})
		return
	case owner != user.ID:
		// Forbidden, not NotFound: the job exists, but telling this caller
		// anything more would let owners be probed.
		c.send(models.ServerFrame{Type: models.FrameForbidden, JobID: jobID})
		return
	}

	c.mu.Lock()
	if _, already := c.subs[jobID]; already {
		c.mu.Unlock()
		return
	}
	ch, cancel := c.gw.bus.Subscribe(jobID)
	c.subs[jobID] = cancel
	c.mu.Unlock()

	go func() {
		for ev := range ch {
			c.trySend(models.EventFrame(ev))
		}
	}()
}

func (c *conn) handleUnsubscribe(jobID string) {
	c.mu.Lock()
	if cancel, ok := c.subs[jobID]; ok {
		cancel()
		delete(c.subs, jobID)
	}
	c.mu.Unlock()
}

// handleHistory streams every logged event after sinceSeq back to the
// client in sequence order, paged so long histories stay bounded in
// memory. The client de-duplicates by sequence number.
func (c *conn) handleHistory(user *models.User, jobID string, sinceSeq int64) {
	pageSize := c.gw.opts.HistoryPageSize
	after := sinceSeq
	for {
		events, err := c.gw.history.ReadEventsSince(jobID, user.ID, after, pageSize)
		switch {
		case errors.Is(err, store.ErrForbidden):
			c.send(models.ServerFrame{Type: models.FrameForbidden, JobID: jobID})
			return
		case errors.Is(err, store.ErrJobNotFound):
			c.send(models.ServerFrame{Type: models.FrameNotFound, JobID: jobID})
			return
		case err != nil:
			log.Printf("gateway: connection %s history read for job %s failed: %v", c.id, jobID, err)
			c.send(models.ServerFrame{Type: models.FrameNotFound, JobID: jobID})
			return
		}

		for _, ev := range events {
			if !c.send(models.HistoryItemFrame(ev)) {
				return
			}
			after = ev.Sequence
		}
		if len(events) < pageSize {
			break
		}
	}
	c.send(models.ServerFrame{Type: models.FrameHistoryDone, JobID: jobID})
}
