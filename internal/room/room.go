// Package room tracks which connections are in which document room and the
// identity each connection announced.
package room

import (
	"sort"
	"sync"
)

const defaultDisplayName = "Anonymous"

// Identity is what a connection announced about itself.
type Identity struct {
	ConnectionID string
	DisplayName  string
	ColorTag     string
	DocumentID   string
}

// Registry owns room membership. A connection is in at most one room.
type Registry struct {
	rooms      map[string]map[string]struct{}
	memberOf   map[string]string
	identities map[string]Identity

	// onEmpty runs under the registry lock when a room loses its last
	// member, so it must not call back into the registry.
	onEmpty func(documentID string)

	mu sync.RWMutex
}

func NewRegistry(onEmpty func(documentID string)) *Registry {
	if onEmpty == nil {
		onEmpty = func(string) {}
	}
	return &Registry{
		rooms:      make(map[string]map[string]struct{}),
		memberOf:   make(map[string]string),
		identities: make(map[string]Identity),
		onEmpty:    onEmpty,
	}
}

// Join puts the connection in the document's room. If it was in another
// room it leaves that one first, and the old document id is returned.
func (r *Registry) Join(connectionID, documentID string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.memberOf[connectionID]
	if ok && current == documentID {
		return ""
	}
	if ok {
		r.removeLocked(connectionID, current)
		previous = current
		if id, ok := r.identities[connectionID]; ok {
			id.DocumentID = documentID
			r.identities[connectionID] = id
		}
	}

	members, ok := r.rooms[documentID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[documentID] = members
	}
	members[connectionID] = struct{}{}
	r.memberOf[connectionID] = documentID
	return previous
}

// Leave removes the connection from the document's room and drops its
// identity. It reports whether the connection was a member.
func (r *Registry) Leave(connectionID, documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.memberOf[connectionID] != documentID {
		return false
	}
	r.removeLocked(connectionID, documentID)
	delete(r.identities, connectionID)
	return true
}

// Remove drops every trace of a connection and returns the room it was in.
func (r *Registry) Remove(connectionID string) (documentID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	documentID, ok = r.memberOf[connectionID]
	if ok {
		r.removeLocked(connectionID, documentID)
	}
	delete(r.identities, connectionID)
	return documentID, ok
}

func (r *Registry) removeLocked(connectionID, documentID string) {
	delete(r.memberOf, connectionID)
	members, ok := r.rooms[documentID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, documentID)
		r.onEmpty(documentID)
	}
}

// SetIdentity records display metadata for a connection. It may arrive
// before or after the connection joins a room.
func (r *Registry) SetIdentity(connectionID, documentID, displayName, colorTag string) Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.memberOf[connectionID]; ok {
		documentID = current
	}
	id := Identity{
		ConnectionID: connectionID,
		DisplayName:  displayName,
		ColorTag:     colorTag,
		DocumentID:   documentID,
	}
	r.identities[connectionID] = id
	return id
}

func (r *Registry) IdentityOf(connectionID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[connectionID]
	return id, ok
}

// RoomOf returns the document the connection is currently in.
func (r *Registry) RoomOf(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	documentID, ok := r.memberOf[connectionID]
	return documentID, ok
}

func (r *Registry) IsMember(connectionID, documentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberOf[connectionID] == documentID && documentID != ""
}

// MembersOf returns the connection ids in a room, sorted.
func (r *Registry) MembersOf(documentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[documentID]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Roster returns the identity of every member of a room, sorted by
// connection id. Members that have not announced themselves are listed as
// anonymous.
func (r *Registry) Roster(documentID string) []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[documentID]
	roster := make([]Identity, 0, len(members))
	for connID := range members {
		id, ok := r.identities[connID]
		if !ok {
			id = Identity{ConnectionID: connID, DisplayName: defaultDisplayName}
		}
		id.DocumentID = documentID
		roster = append(roster, id)
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].ConnectionID < roster[j].ConnectionID
	})
	return roster
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ActiveRooms maps each open document to its member count.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]int, len(r.rooms))
	for id, members := range r.rooms {
		result[id] = len(members)
	}
	return result
}
