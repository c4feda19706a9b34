package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelops/jobpulse/internal/auth"
	"github.com/avelops/jobpulse/internal/core"
	"github.com/avelops/jobpulse/internal/gateway"
	"github.com/avelops/jobpulse/internal/models"
	"github.com/avelops/jobpulse/internal/testutil"
)

// setupGateway serves a Gateway over httptest and returns the ws:// URL.
func setupGateway(t *testing.T, opts gateway.Options) (*core.App, string) {
	t.Helper()
	app := testutil.SetupTestApp(t)
	gw := gateway.New(app.Bus(), app.Store(), app.Store(), opts)
	ts := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(ts.Close)
	return app, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// sessionFor creates a user and returns its id and a live session token.
func sessionFor(t *testing.T, app *core.App, username string) (int64, string) {
	t.Helper()
	hash, err := auth.HashPassword("password123")
	require.NoError(t, err)
	user, err := app.Store().CreateUser(username, hash, "user")
	require.NoError(t, err)
	token, err := app.Store().CreateSession(user.ID)
	require.NoError(t, err)
	return user.ID, token
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) models.ServerFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f models.ServerFrame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func authenticate(t *testing.T, ws *websocket.Conn, token string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameAuth, Token: token}))
	f := readFrame(t, ws)
	require.Equal(t, models.FrameAuthOK, f.Type)
}

func appendEvents(t *testing.T, app *core.App, jobID string, ownerID int64, kinds ...models.EventKind) []*models.ProgressEvent {
	t.Helper()
	events := make([]*models.ProgressEvent, 0, len(kinds))
	for i, kind := range kinds {
		ev := &models.ProgressEvent{
			JobID:   jobID,
			OwnerID: ownerID,
			Kind:    kind,
			Current: i,
			Total:   len(kinds),
		}
		_, err := app.Store().AppendEvent(ev)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestGatewayAuthHandshake(t *testing.T) {
	app, url := setupGateway(t, gateway.Options{})
	_, token := sessionFor(t, app, "gw-user")

	ws := dial(t, url)
	authenticate(t, ws, token)
}

func TestGatewayRejectsBadToken(t *testing.T) {
	_, url := setupGateway(t, gateway.Options{})

	ws := dial(t, url)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameAuth, Token: "not-a-session"}))

	f := readFrame(t, ws)
	assert.Equal(t, models.FrameAuthFailed, f.Type)

	// The connection is closed after the rejection.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next models.ServerFrame
	assert.Error(t, ws.ReadJSON(&next))
}

func TestGatewayClosesUnauthenticatedConnections(t *testing.T) {
	_, url := setupGateway(t, gateway.Options{AuthWindow: 100 * time.Millisecond})

	ws := dial(t, url)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f models.ServerFrame
	err := ws.ReadJSON(&f)
	require.Error(t, err, "connection should be closed before any frame arrives")
}

func TestGatewayRequiresAuthBeforeSubscribe(t *testing.T) {
	_, url := setupGateway(t, gateway.Options{})

	ws := dial(t, url)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameSubscribe, JobID: "job-1"}))

	f := readFrame(t, ws)
	assert.Equal(t, models.FrameAuthFailed, f.Type)
}

func TestGatewaySubscribeDeliversLiveEvents(t *testing.T) {
	app, url := setupGateway(t, gateway.Options{})
	ownerID, token := sessionFor(t, app, "gw-user")
	appendEvents(t, app, "job-live", ownerID, models.KindStarted)

	ws := dial(t, url)
	authenticate(t, ws, token)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameSubscribe, JobID: "job-live"}))

	// Subscription is registered asynchronously; publish only once the bus
	// sees the subscriber.
	require.Eventually(t, func() bool {
		return app.Bus().SubscriberCount("job-live") == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := &models.ProgressEvent{
		JobID:    "job-live",
		OwnerID:  ownerID,
		Kind:     models.KindItemProgress,
		Sequence: 2,
		Current:  1,
		Total:    10,
		Percent:  10,
	}
	require.NoError(t, app.Bus().Publish("job-live", ev))

	f := readFrame(t, ws)
	assert.Equal(t, models.FrameEvent, f.Type)
	assert.Equal(t, "job-live", f.JobID)
	require.NotNil(t, f.ProgressEvent)
	assert.Equal(t, int64(2), f.ProgressEvent.Sequence)
	assert.Equal(t, models.KindItemProgress, f.ProgressEvent.Kind)
}

func TestGatewaySubscribeForbiddenForOtherOwners(t *testing.T) {
	app, url := setupGateway(t, gateway.Options{})
	otherID, _ := sessionFor(t, app, "owner-b")
	_, token := sessionFor(t, app, "owner-a")
	appendEvents(t, app, "job-b", otherID, models.KindStarted)

	ws := dial(t, url)
	authenticate(t, ws, token)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameSubscribe, JobID: "job-b"}))

	f := readFrame(t, ws)
	assert.Equal(t, models.FrameForbidden, f.Type)
	assert.Equal(t, "job-b", f.JobID)
	assert.Zero(t, app.Bus().SubscriberCount("job-b"))
}

func TestGatewaySubscribeUnknownJob(t *testing.T) {
	app, url := setupGateway(t, gateway.Options{})
	_, token := sessionFor(t, app, "gw-user")

	ws := dial(t, url)
	authenticate(t, ws, token)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameSubscribe, JobID: "no-such-job"}))

	f := readFrame(t, ws)
	assert.Equal(t, models.FrameNotFound, f.Type)
	assert.Equal(t, "no-such-job", f.JobID)
}

func TestGatewayHistoryReplay(t *testing.T) {
	app, url := setupGateway(t, gateway.Options{HistoryPageSize: 2})
	ownerID, token := sessionFor(t, app, "gw-user")
	appendEvents(t, app, "job-hist", ownerID,
		models.KindStarted,
		models.KindItemProgress,
		models.KindItemProgress,
		models.KindItemProgress,
		models.KindCompleted,
	)

	ws := dial(t, url)
	authenticate(t, ws, token)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{
		Type:          models.FrameHistoryRequest,
		JobID:         "job-hist",
		SinceSequence: 2,
	}))

	// Events after sequence 2, in order, followed by history_done. The
	// page size of 2 forces multiple reads but the stream stays seamless.
	for wantSeq := int64(3); wantSeq <= 5; wantSeq++ {
		f := readFrame(t, ws)
		require.Equal(t, models.FrameHistoryItem, f.Type)
		assert.Equal(t, "job-hist", f.JobID)
		require.NotNil(t, f.ProgressEvent)
		assert.Equal(t, wantSeq, f.ProgressEvent.Sequence)
	}
	done := readFrame(t, ws)
	assert.Equal(t, models.FrameHistoryDone, done.Type)
	assert.Equal(t, "job-hist", done.JobID)
}

func TestGatewayHistoryForbidden(t *testing.T) {
	app, url := setupGateway(t, gateway.Options{})
	otherID, _ := sessionFor(t, app, "owner-b")
	_, token := sessionFor(t, app, "owner-a")
	appendEvents(t, app, "job-b", otherID, models.KindStarted)

	ws := dial(t, url)
	authenticate(t, ws, token)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{
		Type:  models.FrameHistoryRequest,
		JobID: "job-b",
	}))

	f := readFrame(t, ws)
	assert.Equal(t, models.FrameForbidden, f.Type)
}

func TestGatewayPingPong(t *testing.T) {
	_, url := setupGateway(t, gateway.Options{})

	// Protocol pings are answered even before authentication.
	ws := dial(t, url)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FramePing}))

	f := readFrame(t, ws)
	assert.Equal(t, models.FramePong, f.Type)
}

func TestGatewayUnsubscribeStopsDelivery(t *testing.T) {
	app, url := setupGateway(t, gateway.Options{})
	ownerID, token := sessionFor(t, app, "gw-user")
	appendEvents(t, app, "job-u", ownerID, models.KindStarted)

	ws := dial(t, url)
	authenticate(t, ws, token)
	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameSubscribe, JobID: "job-u"}))
	require.Eventually(t, func() bool {
		return app.Bus().SubscriberCount("job-u") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(models.ClientFrame{Type: models.FrameUnsubscribe, JobID: "job-u"}))
	require.Eventually(t, func() bool {
		return app.Bus().SubscriberCount("job-u") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
