package wsclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelops/jobpulse/internal/models"
)

// scriptedConn is a Conn the test drives by hand: frames pushed onto the
// serverFrames channel come out of ReadFrame, and everything the controller
// writes lands on writes.
type scriptedConn struct {
	serverFrames chan *models.ServerFrame
	writes       chan *models.ClientFrame
	closed       chan struct{}
	closeOnce    sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		serverFrames: make(chan *models.ServerFrame, 16),
		writes:       make(chan *models.ClientFrame, 64),
		closed:       make(chan struct{}),
	}
}

func (c *scriptedConn) ReadFrame() (*models.ServerFrame, error) {
	select {
	case f := <-c.serverFrames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *scriptedConn) WriteFrame(f *models.ClientFrame) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.writes <- f
	return nil
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) nextWrite(t *testing.T) *models.ClientFrame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	dial  func(attempt int) (Conn, error)
}

func (d *fakeDialer) Dial(url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	return d.dial(n)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// firingClock fires every After immediately and records the requested
// delays, so backoff schedules can be asserted without waiting.
type firingClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *firingClock) Now() time.Time { return time.Now() }

func (c *firingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// stuckClock never fires, keeping handshake deadlines and heartbeats out of
// the way of state machine tests.
type stuckClock struct{}

func (stuckClock) Now() time.Time                       { return time.Now() }
func (stuckClock) After(time.Duration) <-chan time.Time { return nil }

func identityJitter(d time.Duration) time.Duration { return d }

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func TestControllerGivesUpAfterRetryBudget(t *testing.T) {
	dialer := &fakeDialer{dial: func(int) (Conn, error) {
		return nil, errors.New("connection refused")
	}}
	clock := &firingClock{}

	c := New(Options{
		URL:         "ws://test/ws/progress",
		Token:       "tok",
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
		Dialer:      dialer,
		Clock:       clock,
		Jitter:      identityJitter,
	})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, StateGaveUp, c.State())
	assert.Equal(t, 10, dialer.dialCount())

	// Nine waits separate ten attempts; each delay doubles the previous
	// one until the cap.
	require.Len(t, clock.delays, 9)
	want := 250 * time.Millisecond
	for i, d := range clock.delays {
		assert.Equal(t, want, d, "delay %d", i)
		want *= 2
		if want > 30*time.Second {
			want = 30 * time.Second
		}
	}
	assert.LessOrEqual(t, clock.delays[len(clock.delays)-1], 30*time.Second)
}

func TestControllerAuthRejectedIsFatal(t *testing.T) {
	conn := newScriptedConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}

	c := New(Options{
		Token:  "bad",
		Dialer: dialer,
		Clock:  stuckClock{},
		Jitter: identityJitter,
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	authFrame := conn.nextWrite(t)
	assert.Equal(t, models.FrameAuth, authFrame.Type)
	assert.Equal(t, "bad", authFrame.Token)

	conn.serverFrames <- &models.ServerFrame{Type: models.FrameAuthFailed}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAuthRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop after auth rejection")
	}
	assert.Equal(t, StateGaveUp, c.State())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestControllerResubscribesFromLastSequence(t *testing.T) {
	conn := newScriptedConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	states := make(chan State, 16)

	c := New(Options{
		Token:         "tok",
		JobIDs:        []string{"job-1"},
		Dialer:        dialer,
		Clock:         stuckClock{},
		Jitter:        identityJitter,
		OnStateChange: func(s State) { states <- s },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, models.FrameAuth, conn.nextWrite(t).Type)
	conn.serverFrames <- &models.ServerFrame{Type: models.FrameAuthOK}

	sub := conn.nextWrite(t)
	assert.Equal(t, models.FrameSubscribe, sub.Type)
	assert.Equal(t, "job-1", sub.JobID)

	hist := conn.nextWrite(t)
	assert.Equal(t, models.FrameHistoryRequest, hist.Type)
	assert.Equal(t, int64(0), hist.SinceSequence)

	waitState(t, states, StateSubscribed)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop on context cancellation")
	}
}

func TestControllerDedupAndGapDetection(t *testing.T) {
	conn := newScriptedConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	states := make(chan State, 16)

	var mu sync.Mutex
	var delivered []int64
	var errs []error

	c := New(Options{
		Token:  "tok",
		JobIDs: []string{"job-1"},
		Dialer: dialer,
		Clock:  stuckClock{},
		Jitter: identityJitter,
		OnEvent: func(ev *models.ProgressEvent) {
			mu.Lock()
			delivered = append(delivered, ev.Sequence)
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
		OnStateChange: func(s State) { states <- s },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn.nextWrite(t) // auth
	conn.serverFrames <- &models.ServerFrame{Type: models.FrameAuthOK}
	conn.nextWrite(t) // subscribe
	conn.nextWrite(t) // history_request
	waitState(t, states, StateSubscribed)

	event := func(seq int64) *models.ServerFrame {
		return &models.ServerFrame{
			Type:  models.FrameEvent,
			JobID: "job-1",
			ProgressEvent: &models.ProgressEvent{
				Kind:     models.KindItemProgress,
				Sequence: seq,
			},
		}
	}

	conn.serverFrames <- event(1)
	conn.serverFrames <- event(1) // duplicate, dropped
	conn.serverFrames <- event(3) // gap: triggers a replay request

	replay := conn.nextWrite(t)
	assert.Equal(t, models.FrameHistoryRequest, replay.Type)
	assert.Equal(t, "job-1", replay.JobID)
	assert.Equal(t, int64(1), replay.SinceSequence)

	// The gateway replays the missed range; the controller fills the gap
	// from history and drops nothing it already saw.
	conn.serverFrames <- &models.ServerFrame{
		Type: models.FrameHistoryItem, JobID: "job-1",
		ProgressEvent: &models.ProgressEvent{Kind: models.KindItemProgress, Sequence: 2},
	}
	conn.serverFrames <- &models.ServerFrame{
		Type: models.FrameHistoryItem, JobID: "job-1",
		ProgressEvent: &models.ProgressEvent{Kind: models.KindItemProgress, Sequence: 3},
	}
	conn.serverFrames <- &models.ServerFrame{Type: models.FrameHistoryDone, JobID: "job-1"}

	require.Eventually(t, func() bool {
		return c.LastSequence("job-1") == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, delivered)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSequenceGap)
}

func TestControllerQueuesSendsWhileDisconnected(t *testing.T) {
	conn := newScriptedConn()
	dialer := &fakeDialer{dial: func(int) (Conn, error) { return conn, nil }}
	states := make(chan State, 16)

	c := New(Options{
		Token:         "tok",
		JobIDs:        []string{"job-1"},
		QueueSize:     2,
		Dialer:        dialer,
		Clock:         stuckClock{},
		Jitter:        identityJitter,
		OnStateChange: func(s State) { states <- s },
	})

	// Queued before any connection exists.
	require.NoError(t, c.Send(&models.ClientFrame{Type: models.FrameSubscribe, JobID: "job-2"}))
	require.NoError(t, c.Send(&models.ClientFrame{Type: models.FrameHistoryRequest, JobID: "job-2"}))
	assert.ErrorIs(t, c.Send(&models.ClientFrame{Type: models.FramePing}), ErrSendQueueFull)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn.nextWrite(t) // auth
	conn.serverFrames <- &models.ServerFrame{Type: models.FrameAuthOK}
	conn.nextWrite(t) // subscribe job-1
	conn.nextWrite(t) // history_request job-1
	waitState(t, states, StateSubscribed)

	// The queue drains in order once subscribed.
	first := conn.nextWrite(t)
	assert.Equal(t, models.FrameSubscribe, first.Type)
	assert.Equal(t, "job-2", first.JobID)

	second := conn.nextWrite(t)
	assert.Equal(t, models.FrameHistoryRequest, second.Type)
	assert.Equal(t, "job-2", second.JobID)
}

func TestControllerReconnectsOnMissedPong(t *testing.T) {
	secondDial := make(chan struct{})
	dialer := &fakeDialer{}
	dialer.dial = func(attempt int) (Conn, error) {
		if attempt == 2 {
			close(secondDial)
		}
		conn := newScriptedConn()
		// Answer the handshake but swallow pings.
		go func() {
			for {
				f, err := func() (*models.ClientFrame, error) {
					select {
					case w := <-conn.writes:
						return w, nil
					case <-conn.closed:
						return nil, errors.New("closed")
					}
				}()
				if err != nil {
					return
				}
				if f.Type == models.FrameAuth {
					conn.serverFrames <- &models.ServerFrame{Type: models.FrameAuthOK}
				}
			}
		}()
		return conn, nil
	}

	c := New(Options{
		Token:             "tok",
		BaseDelay:         time.Millisecond,
		MaxAttempts:       100,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
		Dialer:            dialer,
		Jitter:            identityJitter,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-secondDial:
	case <-time.After(5 * time.Second):
		t.Fatal("controller never reconnected after missing pongs")
	}
}
