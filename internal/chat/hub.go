package chat

import "fmt"

// PeerID addresses a registered connection. It stays valid until the
// connection is unregistered; a reused slot gets a new generation, so stale
// IDs never resolve to a newer connection.
type PeerID uint64

func newPeerID(index, gen uint32) PeerID {
	return PeerID(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index encoded in id.
func (id PeerID) Index() uint32 { return uint32(id) }

// Generation returns the slot generation encoded in id.
func (id PeerID) Generation() uint32 { return uint32(id >> 32) }

func (id PeerID) String() string {
	return fmt.Sprintf("peer-%d.%d", id.Index(), id.Generation())
}

type slot struct {
	conn *Conn
	gen  uint32
}

// Hub is the set of active connections, stored in a slot arena so removal
// never shifts other peers and there is no connection ceiling.
// It is not safe for concurrent use.
type Hub struct {
	slots []slot
	free  []uint32
	count int
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{}
}

// Register adds a connection and returns its ID.
func (h *Hub) Register(c *Conn) PeerID {
	var index uint32
	if n := len(h.free); n > 0 {
		index = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.slots = append(h.slots, slot{gen: 1})
		index = uint32(len(h.slots) - 1)
	}
	s := &h.slots[index]
	s.conn = c
	h.count++
	return newPeerID(index, s.gen)
}

// Unregister removes the connection behind id and returns it, or nil when
// id is stale.
func (h *Hub) Unregister(id PeerID) *Conn {
	s := h.lookup(id)
	if s == nil {
		return nil
	}
	c := s.conn
	s.conn = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	h.free = append(h.free, id.Index())
	h.count--
	return c
}

// Lookup resolves id to its connection.
func (h *Hub) Lookup(id PeerID) (*Conn, bool) {
	s := h.lookup(id)
	if s == nil {
		return nil, false
	}
	return s.conn, true
}

func (h *Hub) lookup(id PeerID) *slot {
	index := id.Index()
	if int(index) >= len(h.slots) {
		return nil
	}
	s := &h.slots[index]
	if s.conn == nil || s.gen != id.Generation() {
		return nil
	}
	return s
}

// Each calls fn for every registered connection in slot order. fn may
// unregister the connection it is given.
func (h *Hub) Each(fn func(PeerID, *Conn)) {
	for i := range h.slots {
		s := &h.slots[i]
		if s.conn != nil {
			fn(newPeerID(uint32(i), s.gen), s.conn)
		}
	}
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	return h.count
}
