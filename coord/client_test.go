package coord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var testLog *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	testLog = l.Sugar()
}

type fakeCoordService struct {
	sessions       int32
	sessionDeletes int32
	messages       int32

	controllerClusterID string
	stallDeletes        bool
	lastSend            map[string]json.RawMessage
}

func (s *fakeCoordService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/clusters/ingest/sessions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.sessions, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-1"})
	})
	mux.HandleFunc("/clusters/ingest/sessions/sess-1/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// hold the membership channel open until the client closes it
		conn.Reader(r.Context())
	})
	mux.HandleFunc("/clusters/ingest/sessions/sess-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			if s.stallDeletes {
				<-r.Context().Done()
				return
			}
			atomic.AddInt32(&s.sessionDeletes, 1)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/clusters/ingest/controller", func(w http.ResponseWriter, r *http.Request) {
		if s.controllerClusterID == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"clusterId": s.controllerClusterID})
	})
	mux.HandleFunc("/clusters/ingest/messages", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.messages, 1)
		var body map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&body)
		s.lastSend = body
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"recipients": 2})
	})
	return mux
}

func newTestClient(t *testing.T, svc *fakeCoordService) *Client {
	server := httptest.NewServer(svc.handler())
	t.Cleanup(server.Close)
	return NewClient(testLog, server.URL, "ingest", WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
}

func TestConnectDisconnect(t *testing.T) {
	svc := &fakeCoordService{}
	client := newTestClient(t, svc)

	require.False(t, client.IsConnected())

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())

	// reconnecting an open session is a no-op
	require.NoError(t, client.Connect(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&svc.sessions))

	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
	assert.EqualValues(t, 1, atomic.LoadInt32(&svc.sessionDeletes))

	// disconnecting twice is a no-op
	require.NoError(t, client.Disconnect())
	assert.EqualValues(t, 1, atomic.LoadInt32(&svc.sessionDeletes))
}

func TestDisconnectIsBoundedWhenServiceStalls(t *testing.T) {
	svc := &fakeCoordService{stallDeletes: true}
	client := newTestClient(t, svc)
	client.disconnectTimeout = 50 * time.Millisecond

	require.NoError(t, client.Connect(context.Background()))

	start := time.Now()
	err := client.Disconnect()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "disconnect must not wait on an unresponsive service")
}

func TestFindControllerNotFound(t *testing.T) {
	client := newTestClient(t, &fakeCoordService{})

	id, err := client.FindController(context.Background(), "ingest")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestFindControllerLive(t *testing.T) {
	client := newTestClient(t, &fakeCoordService{controllerClusterID: "cluster-42"})

	id, err := client.FindController(context.Background(), "ingest")
	require.NoError(t, err)
	assert.Equal(t, "cluster-42", id)
}

func TestSendReportsRecipients(t *testing.T) {
	svc := &fakeCoordService{}
	client := newTestClient(t, svc)

	msg := NewShutdownMessage()
	n, err := client.Send(context.Background(), ControllerCriteria(), msg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, atomic.LoadInt32(&svc.messages))

	var sent Message
	require.NoError(t, json.Unmarshal(svc.lastSend["message"], &sent))
	assert.Equal(t, KindShutdown, sent.Kind)
	assert.NotEmpty(t, sent.CorrelationID)
	assert.Equal(t, "*", sent.SessionScope)

	var criteria Criteria
	require.NoError(t, json.Unmarshal(svc.lastSend["criteria"], &criteria))
	assert.Equal(t, RoleController, criteria.RecipientRole)
	assert.Equal(t, Wildcard, criteria.InstanceName)
	assert.True(t, criteria.SessionSpecific)
}
