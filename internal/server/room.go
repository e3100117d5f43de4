package server

import (
	"sync"
)

// subscriber is anything that can receive frames for a room. *Client is the
// only production implementation.
type subscriber interface {
	queueMessage(msg *ServerMessage) bool
}

// Room is the set of sockets on this instance subscribed to one room id,
// base room or geo sub-room alike. Room state itself lives in the store.
type Room struct {
	id         string
	clients    map[subscriber]struct{}
	clientLock sync.RWMutex
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		clients: make(map[subscriber]struct{}),
	}
}

func (r *Room) addClient(s subscriber) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()
	r.clients[s] = struct{}{}
}

// removeClient returns the number of subscribers left.
func (r *Room) removeClient(s subscriber) int {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()
	delete(r.clients, s)
	return len(r.clients)
}

func (r *Room) hasClient(s subscriber) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	_, ok := r.clients[s]
	return ok
}

func (r *Room) size() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients)
}

// broadcast queues msg for every subscriber except skip and returns how
// many subscribers accepted it.
func (r *Room) broadcast(msg *ServerMessage, skip subscriber) int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	n := 0
	for c := range r.clients {
		if skip != nil && c == skip {
			continue
		}
		if c.queueMessage(msg) {
			n++
		}
	}
	return n
}
