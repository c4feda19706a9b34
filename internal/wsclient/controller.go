package wsclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/avelops/jobpulse/internal/models"
)

// State names the controller's position in its lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSubscribed     State = "subscribed"
	StateDisconnected   State = "disconnected"
	StateGaveUp         State = "gave_up"
)

// Options configures a Controller.
type Options struct {
	// URL of the gateway websocket endpoint and the session token to
	// authenticate with.
	URL   string
	Token string
	// JobIDs to subscribe to after every (re)connect.
	JobIDs []string

	// Backoff policy: BaseDelay doubling per attempt up to MaxDelay, with
	// jitter, giving up after MaxAttempts consecutive failures.
	// Defaults: 250ms, 30s, 10.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Heartbeat: a protocol-level ping every HeartbeatInterval; a missing
	// pong within HeartbeatTimeout counts as a disconnect.
	// Defaults: 15s, 5s.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// HandshakeTimeout bounds the wait for auth_ok. Default 10s.
	HandshakeTimeout time.Duration

	// QueueSize bounds the outbound message queue. Default 64.
	QueueSize int

	Dialer Dialer
	Clock  Clock
	// Jitter perturbs a backoff delay. The default adds up to 25%, capped
	// at MaxDelay, so delays stay non-decreasing.
	Jitter func(time.Duration) time.Duration

	// OnEvent receives every delivered progress event exactly once per
	// sequence number, history and live alike.
	OnEvent func(*models.ProgressEvent)
	// OnStateChange observes every state transition.
	OnStateChange func(State)
	// OnError observes non-fatal conditions: forbidden subscriptions,
	// detected sequence gaps, unknown jobs.
	OnError func(error)
}

func (o *Options) fillDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 250 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Dialer == nil {
		o.Dialer = &WebsocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Jitter == nil {
		maxDelay := o.MaxDelay
		o.Jitter = func(d time.Duration) time.Duration {
			j := d + time.Duration(rand.Int63n(int64(d/4)+1))
			if j > maxDelay {
				j = maxDelay
			}
			return j
		}
	}
}

// Controller is the client-side reconnection state machine.
type Controller struct {
	opts Options

	mu      sync.Mutex
	state   State
	lastSeq map[string]int64

	outbound chan *models.ClientFrame
	pending  *models.ClientFrame // frame taken from the queue but not yet written
}

// New creates a Controller in StateIdle. Run starts it.
func New(opts Options) *Controller {
	opts.fillDefaults()
	return &Controller{
		opts:     opts,
		state:    StateIdle,
		lastSeq:  make(map[string]int64),
		outbound: make(chan *models.ClientFrame, opts.QueueSize),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSequence returns the last delivered sequence for a job.
func (c *Controller) LastSequence(jobID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq[jobID]
}

// Send queues a frame for the gateway. While disconnected, frames queue up
// and are flushed in order once the connection is subscribed again. A full
// queue is an error, never a silent drop.
func (c *Controller) Send(f *models.ClientFrame) error {
	if c.State() == StateGaveUp {
		return ErrReconnectExhausted
	}
	select {
	case c.outbound <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Run drives the state machine until the context is canceled, the retry
// budget is exhausted, or authentication is rejected.
func (c *Controller) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateIdle)
			return err
		}

		c.setState(StateConnecting)
		conn, err := c.opts.Dialer.Dial(c.opts.URL)
		if err == nil {
			var established bool
			established, err = c.session(ctx, conn)
			conn.Close()
			if established {
				attempts = 0
			}
		}

		switch {
		case ctx.Err() != nil:
			c.setState(StateIdle)
			return ctx.Err()
		case errors.Is(err, ErrAuthRejected):
			c.setState(StateGaveUp)
			return err
		}

		attempts++
		if attempts >= c.opts.MaxAttempts {
			c.setState(StateGaveUp)
			return ErrReconnectExhausted
		}
		c.setState(StateDisconnected)
		select {
		case <-c.opts.Clock.After(c.backoff(attempts)):
		case <-ctx.Done():
			c.setState(StateIdle)
			return ctx.Err()
		}
	}
}

// backoff computes the delay before reconnect attempt number attempt
// (1-based): exponential from BaseDelay, capped at MaxDelay, jittered.
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.MaxDelay || d <= 0 {
			d = c.opts.MaxDelay
			break
		}
	}
	return c.opts.Jitter(d)
}

// session runs one connection from handshake to disconnect. It returns
// whether the subscribed state was reached, and a fatal error if the
// controller must stop retrying.
func (c *Controller) session(ctx context.Context, conn Conn) (bool, error) {
	frames := make(chan *models.ServerFrame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				select {
				case readErr <- err:
				case <-stop:
				}
				return
			}
			select {
			case frames <- f:
			case <-stop:
				return
			}
		}
	}()

	// Authenticate before anything else; the gateway trusts nothing until
	// then.
	c.setState(StateAuthenticating)
	if err := conn.WriteFrame(&models.ClientFrame{Type: models.FrameAuth, Token: c.opts.Token}); err != nil {
		return false, nil
	}
	deadline := c.opts.Clock.After(c.opts.HandshakeTimeout)
authWait:
	for {
		select {
		case f := <-frames:
			switch f.Type {
			case models.FrameAuthOK:
				break authWait
			case models.FrameAuthFailed:
				return false, ErrAuthRejected
			}
			// Anything else before auth_ok is ignored.
		case <-readErr:
			return false, nil
		case <-deadline:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	// Subscribe and close any gap opened while disconnected: history is
	// replayed from the last delivered sequence before the live stream is
	// treated as authoritative.
	for _, jobID := range c.opts.JobIDs {
		if err := conn.WriteFrame(&models.ClientFrame{Type: models.FrameSubscribe, JobID: jobID}); err != nil {
			return false, nil
		}
		if err := conn.WriteFrame(&models.ClientFrame{
			Type:          models.FrameHistoryRequest,
			JobID:         jobID,
			SinceSequence: c.LastSequence(jobID),
		}); err != nil {
			return false, nil
		}
	}
	c.setState(StateSubscribed)

	heartbeat := c.opts.Clock.After(c.opts.HeartbeatInterval)
	var pongDeadline <-chan time.Time

	for {
		// A frame taken from the queue stays pending until written, so a
		// mid-write disconnect cannot lose it.
		outbound := c.outbound
		if c.pending != nil {
			if err := conn.WriteFrame(c.pending); err != nil {
				return true, nil
			}
			c.pending = nil
			continue
		}

		select {
		case f := <-frames:
			gotPong, fatal := c.handleFrame(conn, f)
			if fatal != nil {
				return true, fatal
			}
			if gotPong {
				pongDeadline = nil
			}
		case out := <-outbound:
			c.pending = out
		case <-heartbeat:
			if err := conn.WriteFrame(&models.ClientFrame{Type: models.FramePing}); err != nil {
				return true, nil
			}
			heartbeat = c.opts.Clock.After(c.opts.HeartbeatInterval)
			if pongDeadline == nil {
				pongDeadline = c.opts.Clock.After(c.opts.HeartbeatTimeout)
			}
		case <-pongDeadline:
			// No pong within the timeout: same path as a transport close.
			return true, nil
		case <-readErr:
			return true, nil
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// handleFrame processes one gateway frame. It reports whether the frame
// was a pong, and returns a fatal error when the controller must stop.
func (c *Controller) handleFrame(conn Conn, f *models.ServerFrame) (bool, error) {
	switch f.Type {
	case models.FramePong:
		return true, nil

	case models.FrameEvent:
		if f.ProgressEvent == nil {
			return false, nil
		}
		last := c.LastSequence(f.JobID)
		seq := f.ProgressEvent.Sequence
		switch {
		case seq <= last:
			// Duplicate of something already delivered; drop.
		case seq > last+1:
			// A live event skipped ahead: something was missed. Request an
			// immediate replay instead of silently continuing; the replay
			// redelivers both the missed events and this one.
			c.reportError(fmt.Errorf("%w: job %s jumped from %d to %d", ErrSequenceGap, f.JobID, last, seq))
			conn.WriteFrame(&models.ClientFrame{
				Type:          models.FrameHistoryRequest,
				JobID:         f.JobID,
				SinceSequence: last,
			})
		default:
			c.deliver(f.JobID, f.ProgressEvent)
		}

	case models.FrameHistoryItem:
		if f.ProgressEvent == nil {
			return false, nil
		}
		// History is gap-free by construction; only duplicates are dropped.
		if f.ProgressEvent.Sequence > c.LastSequence(f.JobID) {
			c.deliver(f.JobID, f.ProgressEvent)
		}

	case models.FrameHistoryDone:
		// Replay finished; nothing to do, the live stream continues.

	case models.FrameAuthFailed:
		return false, ErrAuthRejected

	case models.FrameForbidden:
		c.reportError(fmt.Errorf("%w: job %s", ErrForbidden, f.JobID))

	case models.FrameNotFound:
		c.reportError(fmt.Errorf("job %s not found", f.JobID))
	}
	return false, nil
}

func (c *Controller) deliver(jobID string, ev *models.ProgressEvent) {
	// The frame-level job id is authoritative; the embedded event's own
	// job_id field is shadowed on the wire.
	ev.JobID = jobID

	c.mu.Lock()
	c.lastSeq[jobID] = ev.Sequence
	c.mu.Unlock()

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Controller) reportError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
