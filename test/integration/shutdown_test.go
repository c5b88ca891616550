// Shutdown behavior with live traffic: a hub with open sessions and
// subscribed observers must wind down within its timeout instead of
// waiting on goroutines that nobody will ever wake.
package integration

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presencehub/internal/roster"
	"github.com/Tyrowin/presencehub/internal/server"
	"github.com/Tyrowin/presencehub/test/testhelpers"
)

func startShutdownServer(t *testing.T) (*httptest.Server, *server.Hub) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	cfg.StorePath = filepath.Join(t.TempDir(), "presence.json")
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	registry := roster.NewRegistry(cfg.StorePath)
	registry.Load()

	hub := server.StartHub(registry, roster.NewPresenceSet())
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	ts := testhelpers.CreateTestServer(server.SetupRoutes())
	t.Cleanup(ts.Close)

	return ts, hub
}

func TestShutdownWithOpenSessions(t *testing.T) {
	ts, hub := startShutdownServer(t)

	for _, identity := range []string{"alpha", "bravo"} {
		conn := testhelpers.DialWebSocket(t, ts.URL)
		testhelpers.SendFrame(t, conn, "HELLO|"+identity+"|"+identity+"|EU|UTC")
		testhelpers.ReadFrame(t, conn, waitTimeout)
	}

	start := time.Now()
	err := hub.Shutdown(3 * time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err, "shutdown with identified sessions must not time out")
	assert.Less(t, elapsed, 3*time.Second, "shutdown should finish well before the deadline, took %s", elapsed)
}

func TestShutdownWithUnidentifiedSession(t *testing.T) {
	ts, hub := startShutdownServer(t)

	// A session that connected but never sent HELLO still has both pumps
	// running and must not wedge shutdown.
	testhelpers.DialWebSocket(t, ts.URL)

	require.NoError(t, hub.Shutdown(3*time.Second))
}

func TestShutdownWithObserversAndSessions(t *testing.T) {
	ts, hub := startShutdownServer(t)

	stream := testhelpers.OpenEventStream(t, ts.URL)
	stream.Next(t, waitTimeout)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")
	testhelpers.ReadFrame(t, conn, waitTimeout)

	require.NoError(t, hub.Shutdown(3*time.Second))

	// The session's connection was closed by the hub; a read now fails
	// instead of blocking.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "session connection must be closed after shutdown")
}

func TestShutdownIsIdempotent(t *testing.T) {
	ts, hub := startShutdownServer(t)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")
	testhelpers.ReadFrame(t, conn, waitTimeout)

	require.NoError(t, hub.Shutdown(3*time.Second))
	require.NoError(t, hub.Shutdown(time.Second), "second shutdown must return immediately")
}
