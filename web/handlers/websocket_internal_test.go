package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/internal/logging"
)

// testClient is a hub client without a connection.
type testClient struct {
	send chan []byte
}

func (c *testClient) getSendChannel() chan []byte { return c.send }
func (c *testClient) close()                      {}

func TestDeadLetterHub_Broadcast(t *testing.T) {
	hub := NewDeadLetterHub(nil, logging.Discard())
	go hub.Run()
	defer hub.Stop()

	client := &testClient{send: make(chan []byte, 1)}
	hub.registerClient(client)

	hub.Publish(bus.DeadLetter{Subscriber: "records", DeliveryID: "d1", Attempts: 5})

	select {
	case frame := <-client.send:
		var msg StreamMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		assert.Equal(t, "dead_letter", msg.Type)
		assert.Equal(t, "d1", msg.Data.DeliveryID)
		assert.Equal(t, 5, msg.Data.Attempts)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestDeadLetterHub_DropsSlowClient(t *testing.T) {
	hub := NewDeadLetterHub(nil, logging.Discard())
	go hub.Run()
	defer hub.Stop()

	slow := &testClient{send: make(chan []byte)} // never drained
	hub.registerClient(slow)
	require.Equal(t, 1, hub.Clients())

	hub.Publish(bus.DeadLetter{DeliveryID: "d1"})

	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestDeadLetterHub_RejectsCrossOrigin(t *testing.T) {
	hub := NewDeadLetterHub(nil, logging.Discard())
	defer hub.Stop()

	req := httptest.NewRequest("GET", "/ws/deadletters", nil)
	req.Host = "localhost:6464"
	req.Header.Set("Origin", "http://evil.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDeadLetterHub_StopUnblocksUnregister(t *testing.T) {
	hub := NewDeadLetterHub(nil, logging.Discard())
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.unregisterClient(&testClient{send: make(chan []byte)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unregister blocked after Stop")
	}
}

func TestDeadLetterHub_RefusesStreamsAfterStop(t *testing.T) {
	hub := NewDeadLetterHub(nil, logging.Discard())
	hub.Stop()

	assert.False(t, hub.registerClient(&testClient{send: make(chan []byte, 1)}))
	assert.Zero(t, hub.Clients())

	req := httptest.NewRequest("GET", "/ws/deadletters", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDeadLetterHub_LateRegistrationIsClosed(t *testing.T) {
	hub := NewDeadLetterHub(nil, logging.Discard())
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	client := &testClient{send: make(chan []byte, 1)}
	hub.cancel()
	if hub.registerClient(client) {
		// Run took the registration after cancellation and must close it.
		_, open := <-client.send
		assert.False(t, open)
	}
	<-done
	assert.Zero(t, hub.Clients())
}
