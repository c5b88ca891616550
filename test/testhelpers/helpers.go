// Package testhelpers provides common utilities for testing the PresenceHub
// server.
//
// It contains helpers shared across the package unit tests and the
// integration tests: spinning up test servers, dialing tracked-client
// WebSocket connections, and consuming the observer event stream.
package testhelpers

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presencehub/internal/roster"
)

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// DialWebSocket opens a tracked-client connection to the test server's /ws
// endpoint. The Origin header is set to the server's own URL so the origin
// check accepts the connection.
func DialWebSocket(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(serverURL, "http://", "ws://", 1) + "/ws"
	header := http.Header{"Origin": {serverURL}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes one protocol frame as a text message.
func SendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("Failed to send frame %q: %v", frame, err)
	}
}

// ReadFrame reads one text message off the connection, failing the test if
// nothing arrives within the timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return string(message)
}

// EventStream consumes the observer feed at /events, decoding each
// server-sent event into roster snapshot entries.
type EventStream struct {
	resp      *http.Response
	snapshots chan []roster.SnapshotEntry
}

// OpenEventStream subscribes to the test server's observer feed. The stream
// is closed automatically when the test finishes.
func OpenEventStream(t *testing.T, serverURL string) *EventStream {
	t.Helper()

	resp, err := http.Get(serverURL + "/events")
	if err != nil {
		t.Fatalf("Failed to open event stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		t.Fatalf("Event stream returned status %d", resp.StatusCode)
	}

	stream := &EventStream{
		resp:      resp,
		snapshots: make(chan []roster.SnapshotEntry, 32),
	}
	go stream.readLoop()

	t.Cleanup(stream.Close)
	return stream
}

func (s *EventStream) readLoop() {
	defer close(s.snapshots)

	scanner := bufio.NewScanner(s.resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var entries []roster.SnapshotEntry
		if err := json.Unmarshal([]byte(payload), &entries); err != nil {
			continue
		}
		s.snapshots <- entries
	}
}

// Next returns the next snapshot, failing the test on timeout or closure.
func (s *EventStream) Next(t *testing.T, timeout time.Duration) []roster.SnapshotEntry {
	t.Helper()

	select {
	case entries, open := <-s.snapshots:
		if !open {
			t.Fatal("event stream closed while waiting for a snapshot")
		}
		return entries
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a snapshot")
		return nil
	}
}

// WaitFor consumes snapshots until one satisfies the predicate, failing the
// test if none does within the timeout.
func (s *EventStream) WaitFor(t *testing.T, timeout time.Duration, predicate func([]roster.SnapshotEntry) bool) []roster.SnapshotEntry {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case entries, open := <-s.snapshots:
			if !open {
				t.Fatal("event stream closed while waiting for a matching snapshot")
			}
			if predicate(entries) {
				return entries
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching snapshot")
			return nil
		}
	}
}

// ExpectNone fails the test if any snapshot arrives within the window.
func (s *EventStream) ExpectNone(t *testing.T, window time.Duration) {
	t.Helper()

	select {
	case entries, open := <-s.snapshots:
		if open {
			t.Fatalf("unexpected snapshot delivered: %+v", entries)
		}
	case <-time.After(window):
	}
}

// Close shuts down the underlying response body, ending the read loop.
func (s *EventStream) Close() {
	_ = s.resp.Body.Close()
}
