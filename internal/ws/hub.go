package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/pairpad/internal/ai"
	"github.com/manpreetbhatti/pairpad/internal/document"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/ratelimit"
	"github.com/manpreetbhatti/pairpad/internal/room"
)

type Options struct {
	MessagesPerSecond float64
	MessageBurst      int
}

// Hub owns every live connection and routes their events to the room
// registry, the synchronizer and the generation streamer.
type Hub struct {
	registry *room.Registry
	syncer   *document.Synchronizer
	streamer *ai.Streamer
	limiter  *ratelimit.WindowLimiter
	opts     Options

	// Connected clients by connection id
	clients map[string]*Client

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex
}

// NewHub wires a registry that evicts cached documents when their room
// empties and a synchronizer that publishes through the hub.
func NewHub(cache *document.Cache, streamer *ai.Streamer, limiter *ratelimit.WindowLimiter, opts Options) *Hub {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 100
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 200
	}

	h := &Hub{
		registry:   room.NewRegistry(cache.Evict),
		streamer:   streamer,
		limiter:    limiter,
		opts:       opts,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	h.syncer = document.NewSynchronizer(cache, h)
	return h
}

// Run processes registrations until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			count := len(h.clients)
			h.mu.Unlock()

			slog.Info("client connected", "connection", client.id, "clients", count)
			go client.writePump()
			go client.readPump()

		case client := <-h.unregister:
			h.disconnect(client)

		case <-ctx.Done():
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				h.disconnect(c)
			}
			slog.Info("hub stopped", "closed", len(clients))
			return
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.disconnect(c)
	}
}

// disconnect releases everything a connection holds: its generation
// stream, room membership, identity and rate-limit bucket. Remaining room
// members get a fresh member list and a cursor-remove notice.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	if h.clients[c.id] != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	remaining := len(h.clients)
	h.mu.Unlock()

	c.shutdown()
	// A generation that has not reached the limiter yet would otherwise
	// recreate the bucket after it is removed.
	c.gens.Wait()

	documentID, wasMember := h.registry.Remove(c.id)
	if err := h.limiter.Remove(context.Background(), c.id); err != nil {
		slog.Warn("failed to release rate-limit bucket", "connection", c.id, "err", err)
	}

	if wasMember {
		h.broadcastMembers(documentID)
		h.broadcastCursorRemove(documentID, c.id)
	}

	slog.Info("client disconnected", "connection", c.id, "document", documentID, "clients", remaining)
}

func (h *Hub) client(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// broadcast enqueues frame for every member of the room except skip.
func (h *Hub) broadcast(documentID string, frame []byte, skip string) {
	for _, id := range h.registry.MembersOf(documentID) {
		if id == skip {
			continue
		}
		if c := h.client(id); c != nil {
			c.enqueue(frame)
		}
	}
}

func (h *Hub) broadcastEvent(documentID string, event protocol.Event, data any, skip string) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		slog.Error("failed to encode broadcast", "event", event, "document", documentID, "err", err)
		return
	}
	h.broadcast(documentID, frame, skip)
}

// PublishChange sends a committed change to the whole room, the submitter
// included. It runs while the document is locked, so frames for one
// document are enqueued in version order.
func (h *Hub) PublishChange(change document.Change) {
	h.broadcastEvent(change.DocumentID, protocol.EventReceiveChanges, protocol.ReceiveChanges{
		DocumentID:         change.DocumentID,
		Content:            change.Content,
		Version:            change.Version,
		SourceConnectionID: change.SourceConnectionID,
	}, "")
}

func (h *Hub) broadcastMembers(documentID string) {
	roster := h.registry.Roster(documentID)
	if len(roster) == 0 {
		return
	}
	members := make([]protocol.Member, len(roster))
	for i, id := range roster {
		members[i] = protocol.Member{
			ConnectionID: id.ConnectionID,
			DisplayName:  id.DisplayName,
			ColorTag:     id.ColorTag,
		}
	}
	h.broadcastEvent(documentID, protocol.EventUsersUpdate, members, "")
}

func (h *Hub) broadcastCursorRemove(documentID, connectionID string) {
	h.broadcastEvent(documentID, protocol.EventCursorRemove, protocol.CursorRemove{
		DocumentID:   documentID,
		ConnectionID: connectionID,
	}, connectionID)
}

func (h *Hub) GetRoomCount() int {
	return h.registry.RoomCount()
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms maps each open document to its member count.
func (h *Hub) GetActiveRooms() map[string]int {
	return h.registry.ActiveRooms()
}

// LiveState returns the in-memory state of an open document. The durable
// copy may lag behind it.
func (h *Hub) LiveState(documentID string) (document.State, bool) {
	return h.syncer.Cache().Peek(documentID)
}
