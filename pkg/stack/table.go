package stack

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// ConnKey identifies a connection by its 4-tuple. Local is our side of the
// conversation (the frame's destination on ingress).
type ConnKey struct {
	LocalIP    [4]byte
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d-%d.%d.%d.%d:%d",
		k.LocalIP[0], k.LocalIP[1], k.LocalIP[2], k.LocalIP[3], k.LocalPort,
		k.RemoteIP[0], k.RemoteIP[1], k.RemoteIP[2], k.RemoteIP[3], k.RemotePort)
}

// hash maps the key onto an event worker. Every event for one 4-tuple lands
// on the same worker, which is what serializes the connection.
func (k ConnKey) hash() uint32 {
	h := fnv.New32a()
	var b [12]byte
	copy(b[0:4], k.LocalIP[:])
	copy(b[4:8], k.RemoteIP[:])
	b[8] = byte(k.LocalPort >> 8)
	b[9] = byte(k.LocalPort)
	b[10] = byte(k.RemotePort >> 8)
	b[11] = byte(k.RemotePort)
	h.Write(b[:])
	return h.Sum32()
}

var errTableFull = errors.New("stack: connection table full")

const tableShards = 16

type tableShard struct {
	mu    sync.RWMutex
	conns map[ConnKey]*Connection
}

// connTable is a sharded 4-tuple map. Different keys may be touched
// concurrently; a single key is only ever mutated by its owning worker.
type connTable struct {
	shards [tableShards]tableShard
	count  int64
	max    int
}

func newConnTable(max int) *connTable {
	t := &connTable{max: max}
	for i := range t.shards {
		t.shards[i].conns = make(map[ConnKey]*Connection)
	}
	return t
}

func (t *connTable) shard(k ConnKey) *tableShard {
	return &t.shards[k.hash()%tableShards]
}

func (t *connTable) get(k ConnKey) *Connection {
	s := t.shard(k)
	s.mu.RLock()
	c := s.conns[k]
	s.mu.RUnlock()
	return c
}

// insert adds a connection, refusing beyond the configured bound so existing
// connections keep running when the table is exhausted.
func (t *connTable) insert(k ConnKey, c *Connection) error {
	if t.max > 0 && atomic.LoadInt64(&t.count) >= int64(t.max) {
		return errTableFull
	}
	s := t.shard(k)
	s.mu.Lock()
	if _, exists := s.conns[k]; exists {
		s.mu.Unlock()
		return fmt.Errorf("stack: duplicate connection %s", k)
	}
	s.conns[k] = c
	s.mu.Unlock()
	atomic.AddInt64(&t.count, 1)
	return nil
}

func (t *connTable) remove(k ConnKey) {
	s := t.shard(k)
	s.mu.Lock()
	_, existed := s.conns[k]
	delete(s.conns, k)
	s.mu.Unlock()
	if existed {
		atomic.AddInt64(&t.count, -1)
	}
}

func (t *connTable) len() int {
	return int(atomic.LoadInt64(&t.count))
}

// snapshot returns the current connections. Used for shutdown sweeps and
// metrics, never on the packet path.
func (t *connTable) snapshot() []*Connection {
	out := make([]*Connection, 0, t.len())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, c := range s.conns {
			out = append(out, c)
		}
		s.mu.RUnlock()
	}
	return out
}
