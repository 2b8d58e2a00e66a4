package mark46

import "sync"

// registry indexes connected peers and room membership.
//
// Room lists are ordered and NOT deduplicated: every join appends, and
// leave removes all occurrences of the id. Rooms only ever hold ids that
// are present in clients; disconnect prunes via leaveAll.
type registry struct {
	mu      sync.RWMutex
	clients map[string]*Peer
	rooms   map[string][]string
}

func newRegistry() *registry {
	return &registry{
		clients: make(map[string]*Peer),
		rooms:   make(map[string][]string),
	}
}

// insert adds the peer unless its id is taken or the client cap is
// reached. maxClients 0 means unlimited. The capacity check and the
// insert are one atomic step so racing authentications cannot overshoot
// the cap.
func (r *registry) insert(p *Peer, maxClients int) (ok, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxClients > 0 && len(r.clients) >= maxClients {
		return false, true
	}
	if _, exists := r.clients[p.ID]; exists {
		return false, false
	}
	r.clients[p.ID] = p
	return true, false
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

func (r *registry) get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.clients[id]
	return p, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// join appends the id to the room, creating the room on first use. Joining
// twice appends twice.
func (r *registry) join(room, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room] = append(r.rooms[room], id)
}

// leave removes every occurrence of id from the room. Emptied rooms are
// deleted. Reports whether the id was a member at all.
func (r *registry) leave(room, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, id)
}

func (r *registry) leaveLocked(room, id string) bool {
	ids, ok := r.rooms[room]
	if !ok {
		return false
	}
	kept := ids[:0]
	for _, member := range ids {
		if member != id {
			kept = append(kept, member)
		}
	}
	if len(kept) == len(ids) {
		return false
	}
	if len(kept) == 0 {
		delete(r.rooms, room)
	} else {
		r.rooms[room] = kept
	}
	return true
}

// leaveAll removes the id from every room, invoking onRoom for each room
// actually left. The callback runs after the lock is released so it may
// call back into the registry.
func (r *registry) leaveAll(id string, onRoom func(room string)) bool {
	r.mu.Lock()
	var left []string
	for room := range r.rooms {
		if r.leaveLocked(room, id) {
			left = append(left, room)
		}
	}
	r.mu.Unlock()

	if onRoom != nil {
		for _, room := range left {
			onRoom(room)
		}
	}
	return len(left) > 0
}

// countInRoom reports the room's entry count, duplicates included.
func (r *registry) countInRoom(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// snapshot copies the peers matching the filter, for iteration without the
// lock. room "" means all clients; a nil filter matches everything. A peer
// joined to a room more than once appears once.
func (r *registry) snapshot(room string, filter func(*Peer) bool) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if room == "" {
		out := make([]*Peer, 0, len(r.clients))
		for _, p := range r.clients {
			if filter == nil || filter(p) {
				out = append(out, p)
			}
		}
		return out
	}

	ids := r.rooms[room]
	out := make([]*Peer, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, ok := r.clients[id]
		if !ok {
			continue
		}
		if filter == nil || filter(p) {
			out = append(out, p)
		}
	}
	return out
}
