// Package server coordinates session registration, observer subscriptions,
// and snapshot broadcasting for the presence system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/Tyrowin/presencehub/internal/roster"
)

// Hub owns the set of live sessions and the list of observer feeds, and is
// the single place snapshots are computed and fanned out. All registration,
// subscription, and publish requests serialize through its run loop, which
// is what gives every observer the same event order.
type Hub struct {
	registry *roster.Registry
	presence *roster.PresenceSet

	sessions map[*Session]bool
	feeds    map[*ObserverFeed]bool

	register    chan *Session
	unregister  chan *Session
	subscribeCh chan *ObserverFeed
	unsubCh     chan *ObserverFeed
	publishCh   chan struct{}

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates and initializes a Hub over the given registry and presence
// set. The returned Hub is ready to run.
func NewHub(registry *roster.Registry, presence *roster.PresenceSet) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:    registry,
		presence:    presence,
		sessions:    make(map[*Session]bool),
		feeds:       make(map[*ObserverFeed]bool),
		register:    make(chan *Session),
		unregister:  make(chan *Session),
		subscribeCh: make(chan *ObserverFeed),
		unsubCh:     make(chan *ObserverFeed),
		publishCh:   make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Register hands a new session to the hub, which launches its pumps.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.ctx.Done():
	}
}

// Subscribe registers an observer feed. The feed immediately receives one
// snapshot of current state so a late joiner does not wait for the next
// change event.
func (h *Hub) Subscribe(feed *ObserverFeed) {
	select {
	case h.subscribeCh <- feed:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes an observer feed and closes its channel. Safe to call
// while a publish is in flight; removal happens inside the run loop.
func (h *Hub) Unsubscribe(feed *ObserverFeed) {
	select {
	case h.unsubCh <- feed:
	case <-h.ctx.Done():
	}
}

// Publish asks the hub to compute a fresh snapshot and deliver it to every
// subscribed feed. Publishes are delivered in the order they were
// triggered; delivery failures are isolated per feed and never surface
// back to the caller.
func (h *Hub) Publish() {
	select {
	case h.publishCh <- struct{}{}:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's main event loop. This method should be called in a
// separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			h.shutdownFeeds()
			return

		case session := <-h.register:
			if session == nil {
				log.Printf("Received nil session registration; skipping")
				continue
			}
			h.addSession(session)

		case session := <-h.unregister:
			h.removeSession(session)

		case feed := <-h.subscribeCh:
			if feed == nil {
				continue
			}
			h.addFeed(feed)

		case feed := <-h.unsubCh:
			h.removeFeed(feed)

		case <-h.publishCh:
			h.publishSnapshot()
		}
	}
}

func (h *Hub) addSession(session *Session) {
	h.mutex.Lock()
	h.sessions[session] = true
	sessionCount := len(h.sessions)
	h.mutex.Unlock()
	metrics.SessionsActive.Inc()
	log.Printf("Session %s connected from %s. Total sessions: %d", session.id, session.addr, sessionCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		session.writePump()
	}()
	go func() {
		defer h.wg.Done()
		session.readPump()
	}()
}

// removeSession tears down one departing session. Only that session's
// presence count is released; other open sessions for the same identity
// keep it connected.
func (h *Hub) removeSession(session *Session) {
	h.mutex.Lock()
	if _, ok := h.sessions[session]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.sessions, session)
	sessionCount := len(h.sessions)
	h.mutex.Unlock()

	close(session.send)
	metrics.SessionsActive.Dec()
	log.Printf("Session %s from %s closed. Total sessions: %d", session.id, session.addr, sessionCount)

	if session.identity != "" {
		h.presence.MarkDisconnected(session.identity)
		h.publishSnapshot()
	}
}

func (h *Hub) addFeed(feed *ObserverFeed) {
	h.mutex.Lock()
	feed.closed = false
	h.feeds[feed] = true
	feedCount := len(h.feeds)
	h.mutex.Unlock()
	metrics.ObserversActive.Inc()
	log.Printf("Observer subscribed. Total observers: %d", feedCount)

	// Late joiners get current state right away.
	if payload, ok := h.encodeSnapshot(); ok {
		if !h.safeSend(feed, payload) {
			h.removeFailedFeeds([]*ObserverFeed{feed})
		}
	}
}

func (h *Hub) removeFeed(feed *ObserverFeed) {
	h.mutex.Lock()
	if _, ok := h.feeds[feed]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.feeds, feed)
	feed.closed = true
	feedCount := len(h.feeds)
	h.mutex.Unlock()

	close(feed.send)
	metrics.ObserversActive.Dec()
	log.Printf("Observer unsubscribed. Total observers: %d", feedCount)
}

func (h *Hub) safeSend(feed *ObserverFeed, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.feeds[feed]
	if !exists || feed.closed {
		return false
	}

	// Non-blocking: a feed with a full buffer reports failure instead of
	// stalling delivery to everyone else.
	select {
	case feed.send <- payload:
		return true
	default:
		return false
	}
}

// publishSnapshot computes one fresh snapshot and pushes it to every feed.
func (h *Hub) publishSnapshot() {
	payload, ok := h.encodeSnapshot()
	if !ok {
		return
	}
	metrics.PublishesTotal.Inc()

	feeds := h.feedSnapshot()
	var feedsToRemove []*ObserverFeed
	for _, feed := range feeds {
		if !h.safeSend(feed, payload) {
			feedsToRemove = append(feedsToRemove, feed)
		}
	}
	h.removeFailedFeeds(feedsToRemove)
}

func (h *Hub) encodeSnapshot() ([]byte, bool) {
	entries := roster.BuildSnapshot(h.registry, h.presence)
	payload, err := json.Marshal(entries)
	if err != nil {
		log.Printf("Error encoding snapshot: %v", err)
		return nil, false
	}
	return payload, true
}

// feedSnapshot returns a thread-safe snapshot of the current feed list.
func (h *Hub) feedSnapshot() []*ObserverFeed {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	feeds := make([]*ObserverFeed, 0, len(h.feeds))
	for feed := range h.feeds {
		feeds = append(feeds, feed)
	}
	return feeds
}

// removeFailedFeeds drops feeds that could not accept a snapshot and closes
// their channels.
func (h *Hub) removeFailedFeeds(feedsToRemove []*ObserverFeed) {
	if len(feedsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, feed := range feedsToRemove {
		if _, exists := h.feeds[feed]; exists {
			delete(h.feeds, feed)
			feed.closed = true
			channelsToClose = append(channelsToClose, feed.send)
			metrics.ObserversActive.Dec()
			metrics.FeedsDropped.Inc()
			log.Printf("Observer removed due to full delivery buffer")
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownSessions gracefully closes all active session connections.
func (h *Hub) shutdownSessions() {
	log.Println("Shutting down all session connections...")

	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mutex.Unlock()

	for _, session := range sessions {
		if session.conn != nil {
			if err := session.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing session connection from %s: %v", session.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d session connections", len(sessions))
}

// shutdownFeeds closes every observer feed channel.
func (h *Hub) shutdownFeeds() {
	h.mutex.Lock()
	feeds := make([]*ObserverFeed, 0, len(h.feeds))
	for feed := range h.feeds {
		delete(h.feeds, feed)
		feed.closed = true
		feeds = append(feeds, feed)
	}
	h.mutex.Unlock()

	for _, feed := range feeds {
		close(feed.send)
	}

	log.Printf("Closed %d observer feeds", len(feeds))
}

// Shutdown initiates graceful shutdown of the hub and waits for all
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()

	// Wait for Run() to complete
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
