// Package integration contains end-to-end tests for the PresenceHub server.
//
// These tests run the real HTTP surface: tracked clients connect over
// WebSocket and speak the pipe-delimited protocol, observers subscribe to
// the /events stream, and assertions run against what actually comes over
// the wire.
package integration

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presencehub/internal/roster"
	"github.com/Tyrowin/presencehub/internal/server"
	"github.com/Tyrowin/presencehub/test/testhelpers"
)

const waitTimeout = 2 * time.Second

func startPresenceServer(t *testing.T) (*httptest.Server, *roster.Registry) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	cfg.StorePath = filepath.Join(t.TempDir(), "presence.json")
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	registry := roster.NewRegistry(cfg.StorePath)
	registry.Load()
	presence := roster.NewPresenceSet()

	hub := server.StartHub(registry, presence)
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	ts := testhelpers.CreateTestServer(server.SetupRoutes())
	t.Cleanup(ts.Close)

	return ts, registry
}

func findEntry(entries []roster.SnapshotEntry, identityKey string) (roster.SnapshotEntry, bool) {
	for _, entry := range entries {
		if entry.IdentityKey == identityKey {
			return entry, true
		}
	}
	return roster.SnapshotEntry{}, false
}

func TestHelloCreatesProfileAndBroadcasts(t *testing.T) {
	ts, registry := startPresenceServer(t)

	stream := testhelpers.OpenEventStream(t, ts.URL)
	initial := stream.Next(t, waitTimeout)
	assert.Empty(t, initial, "subscriber must get one snapshot immediately, empty before any HELLO")

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")

	reply := testhelpers.ReadFrame(t, conn, waitTimeout)
	payload, ok := strings.CutPrefix(reply, "WELCOME|")
	require.True(t, ok, "expected WELCOME acknowledgment, got %q", reply)

	var profile roster.Profile
	require.NoError(t, json.Unmarshal([]byte(payload), &profile))
	assert.Equal(t, "76561", profile.IdentityKey)
	assert.Equal(t, "Alice", profile.DisplayName)
	assert.Equal(t, "EU", profile.Region)
	assert.False(t, profile.FirstSeenAt.IsZero())

	entries := stream.WaitFor(t, waitTimeout, func(entries []roster.SnapshotEntry) bool {
		entry, found := findEntry(entries, "76561")
		return found && entry.Connected
	})
	entry, _ := findEntry(entries, "76561")
	assert.Equal(t, "Alice", entry.DisplayName)
	assert.Equal(t, "N/A", entry.LastPosition)

	profiles := registry.SnapshotAll()
	require.Len(t, profiles, 1)
	assert.True(t, profiles[0].FirstSeenAt.Equal(profile.FirstSeenAt))
}

func TestRepeatedHelloKeepsFirstSeen(t *testing.T) {
	ts, registry := startPresenceServer(t)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")
	first := testhelpers.ReadFrame(t, conn, waitTimeout)

	var original roster.Profile
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(first, "WELCOME|")), &original))

	testhelpers.SendFrame(t, conn, "HELLO|76561|Alicia|NA|UTC-5")
	second := testhelpers.ReadFrame(t, conn, waitTimeout)

	var updated roster.Profile
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(second, "WELCOME|")), &updated))

	assert.Equal(t, "Alicia", updated.DisplayName)
	assert.True(t, updated.FirstSeenAt.Equal(original.FirstSeenAt), "FirstSeenAt must survive re-identification")

	profiles := registry.SnapshotAll()
	require.Len(t, profiles, 1, "repeated HELLO must not create a second record")
}

func TestPositionUpdatesRegistryAndBroadcasts(t *testing.T) {
	ts, registry := startPresenceServer(t)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")
	testhelpers.ReadFrame(t, conn, waitTimeout)

	stream := testhelpers.OpenEventStream(t, ts.URL)
	stream.Next(t, waitTimeout)

	testhelpers.SendFrame(t, conn, "POSITION|76561|1.2345|-3|0")

	entries := stream.WaitFor(t, waitTimeout, func(entries []roster.SnapshotEntry) bool {
		entry, found := findEntry(entries, "76561")
		return found && entry.LastPosition != "N/A"
	})
	entry, _ := findEntry(entries, "76561")
	assert.Equal(t, "1.23, -3.00, 0.00", entry.LastPosition)

	profiles := registry.SnapshotAll()
	require.Len(t, profiles, 1)
	require.NotNil(t, profiles[0].LastPosition)
	assert.Equal(t, "1.23, -3.00, 0.00", profiles[0].LastPosition.String())
}

func TestPositionWithoutHelloIsIgnored(t *testing.T) {
	ts, registry := startPresenceServer(t)

	stream := testhelpers.OpenEventStream(t, ts.URL)
	stream.Next(t, waitTimeout)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "POSITION|76561|1|2|3")

	stream.ExpectNone(t, 300*time.Millisecond)
	assert.Empty(t, registry.SnapshotAll(), "unidentified POSITION must not touch the registry")
}

func TestPositionForUnknownIdentityProducesNoBroadcast(t *testing.T) {
	ts, registry := startPresenceServer(t)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")
	testhelpers.ReadFrame(t, conn, waitTimeout)

	stream := testhelpers.OpenEventStream(t, ts.URL)
	stream.Next(t, waitTimeout)

	// Identified session reporting for an identity nobody has ever
	// identified: dropped without a broadcast.
	testhelpers.SendFrame(t, conn, "POSITION|99999|1|2|3")

	stream.ExpectNone(t, 300*time.Millisecond)

	profiles := registry.SnapshotAll()
	require.Len(t, profiles, 1)
	assert.Nil(t, profiles[0].LastPosition)
}

func TestMalformedAndUnknownFramesKeepConnectionOpen(t *testing.T) {
	ts, _ := startPresenceServer(t)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "GOODBYE|whatever")
	testhelpers.SendFrame(t, conn, "HELLO|only-two-fields")
	testhelpers.SendFrame(t, conn, "POSITION|76561|x|y|z")

	// The connection must survive all of the above and still identify.
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")
	reply := testhelpers.ReadFrame(t, conn, waitTimeout)
	assert.True(t, strings.HasPrefix(reply, "WELCOME|"))
}

func TestAllSessionsDisconnect(t *testing.T) {
	ts, _ := startPresenceServer(t)

	stream := testhelpers.OpenEventStream(t, ts.URL)
	stream.Next(t, waitTimeout)

	identities := []string{"alpha", "bravo", "charlie"}
	conns := make([]*websocket.Conn, 0, len(identities))
	for _, identity := range identities {
		conn := testhelpers.DialWebSocket(t, ts.URL)
		testhelpers.SendFrame(t, conn, "HELLO|"+identity+"|"+identity+"|EU|UTC")
		testhelpers.ReadFrame(t, conn, waitTimeout)
		conns = append(conns, conn)
	}

	stream.WaitFor(t, waitTimeout, func(entries []roster.SnapshotEntry) bool {
		connected := 0
		for _, entry := range entries {
			if entry.Connected {
				connected++
			}
		}
		return connected == len(identities)
	})

	for _, conn := range conns {
		_ = conn.Close()
	}

	final := stream.WaitFor(t, waitTimeout, func(entries []roster.SnapshotEntry) bool {
		for _, entry := range entries {
			if entry.Connected {
				return false
			}
		}
		return len(entries) == len(identities)
	})
	assert.Len(t, final, len(identities), "profiles outlive their connections")
}

func TestOverlappingSessionsKeepIdentityConnected(t *testing.T) {
	ts, _ := startPresenceServer(t)

	stream := testhelpers.OpenEventStream(t, ts.URL)
	stream.Next(t, waitTimeout)

	first := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, first, "HELLO|76561|Alice|EU|UTC+1")
	testhelpers.ReadFrame(t, first, waitTimeout)

	second := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, second, "HELLO|76561|Alice|EU|UTC+1")
	testhelpers.ReadFrame(t, second, waitTimeout)

	stream.WaitFor(t, waitTimeout, func(entries []roster.SnapshotEntry) bool {
		entry, found := findEntry(entries, "76561")
		return found && entry.Connected
	})

	// One of the two sessions drops; the identity is still connected.
	require.NoError(t, first.Close())

	entries := stream.WaitFor(t, waitTimeout, func(entries []roster.SnapshotEntry) bool {
		_, found := findEntry(entries, "76561")
		return found
	})
	entry, _ := findEntry(entries, "76561")
	assert.True(t, entry.Connected, "surviving session must keep the identity present")

	require.NoError(t, second.Close())
	stream.WaitFor(t, waitTimeout, func(entries []roster.SnapshotEntry) bool {
		entry, found := findEntry(entries, "76561")
		return found && !entry.Connected
	})
}

func TestMutationsAreDurableBeforeAcknowledge(t *testing.T) {
	ts, registry := startPresenceServer(t)

	conn := testhelpers.DialWebSocket(t, ts.URL)
	testhelpers.SendFrame(t, conn, "HELLO|76561|Alice|EU|UTC+1")
	testhelpers.ReadFrame(t, conn, waitTimeout)
	testhelpers.SendFrame(t, conn, "POSITION|76561|4|5|6")

	// The WELCOME arrived after the upsert was persisted; the position
	// write lands shortly after its frame is processed.
	require.Eventually(t, func() bool {
		profiles := registry.SnapshotAll()
		return len(profiles) == 1 && profiles[0].LastPosition != nil
	}, waitTimeout, 20*time.Millisecond)

	profiles := registry.SnapshotAll()
	assert.Equal(t, "4.00, 5.00, 6.00", profiles[0].LastPosition.String())
}
