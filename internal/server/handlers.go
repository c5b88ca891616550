// Package server exposes HTTP handlers: the WebSocket session endpoint,
// the observer event stream, the roster page, and health checks.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler handles WebSocket upgrade requests for tracked clients.
// Each accepted connection becomes an unidentified Session registered with
// the hub, which launches the session's read/write pumps.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if hub == nil {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	session := NewSession(conn, hub, r.RemoteAddr)
	session.hub.Register(session)
}

// EventsHandler serves the observer feed as a server-sent event stream.
// The subscriber receives one snapshot immediately and one on every state
// change until it disconnects.
func EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Event stream endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if hub == nil {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	feed := NewObserverFeed(currentConfig().FeedBuffer)
	hub.Subscribe(feed)
	defer hub.Unsubscribe(feed)

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-feed.Events():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				log.Printf("Error writing event to observer: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "PresenceHub server is running!")
}

// RosterPageHandler serves the human-facing roster page. The page renders
// live state through an EventSource subscription to /events; everything it
// shows comes from published snapshots.
func RosterPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>PresenceHub Roster</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        table { border-collapse: collapse; min-width: 600px; }
        th, td { border: 1px solid #ccc; padding: 6px 12px; text-align: left; }
        th { background-color: #007cba; color: white; }
        tr.online td { background-color: #d4edda; }
        tr.offline td { color: #888; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>PresenceHub Roster</h1>

    <div id="status" class="status disconnected">Feed disconnected</div>

    <table>
        <thead>
            <tr><th>Name</th><th>Identity</th><th>First seen</th><th>Online</th><th>Last position</th></tr>
        </thead>
        <tbody id="roster"></tbody>
    </table>

    <script>
        const rosterBody = document.getElementById('roster');
        const statusDiv = document.getElementById('status');

        function render(entries) {
            rosterBody.innerHTML = '';
            for (const entry of entries) {
                const row = document.createElement('tr');
                row.className = entry.connected ? 'online' : 'offline';

                for (const value of [
                    entry.displayName,
                    entry.identityKey,
                    entry.firstSeenAt,
                    entry.connected ? 'yes' : 'no',
                    entry.lastPosition,
                ]) {
                    const cell = document.createElement('td');
                    cell.textContent = value;
                    row.appendChild(cell);
                }

                rosterBody.appendChild(row);
            }
        }

        const source = new EventSource('/events');

        source.onopen = function() {
            statusDiv.textContent = 'Live';
            statusDiv.className = 'status connected';
        };

        source.onmessage = function(event) {
            render(JSON.parse(event.data));
        };

        source.onerror = function() {
            statusDiv.textContent = 'Feed disconnected';
            statusDiv.className = 'status disconnected';
        };
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}
