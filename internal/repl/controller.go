// Package repl implements the master/replica side of the Replication
// Controller: master-side fan-out to attached replicas, and the
// replica-side handshake and apply loop.
//
// On the master path, Controller's methods are additionally called by
// internal/server while it holds the single server-wide command mutex —
// this is what gives the ordering guarantee in spec.md section 5:
// propagation to every replica happens while the same mutex that
// serializes Store mutations is held, so no two replicas can ever observe
// SET events in a different order. But Controller's own mu also protects
// replID, offset, and the replicas slice directly, since on a replica the
// handshake and apply loop run on a dedicated goroutine (see replica.go)
// that calls into Controller without holding the server's command mutex.
package repl

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"sync"

	"redislite/internal/resp"
)

// Role is fixed at startup from configuration.
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// AttachedReplica is a connection that completed the PSYNC handshake and is
// now a one-way channel from master to replica for command propagation.
type AttachedReplica struct {
	conn          net.Conn
	writer        *bufio.Writer
	listeningPort int
}

func (a *AttachedReplica) Addr() string { return a.conn.RemoteAddr().String() }

// Controller holds the replication state of one server: on a master, the
// replication id, offset, and attached-replica set; on a replica, the
// master's address and a locally tracked offset.
//
// mu guards replID, offset, and replicas — the three fields mutated after
// construction. role, masterHost, and masterPort are fixed at
// construction and never written again, so reading them needs no lock.
type Controller struct {
	role Role

	mu       sync.Mutex
	replID   string             // master only; empty on a replica
	offset   int64              // master: bytes propagated. replica: bytes of stream consumed.
	replicas []*AttachedReplica // master only, insertion order preserved

	masterHost string // replica only
	masterPort int    // replica only
}

// NewMaster returns a Controller for a server started in the master role.
func NewMaster() *Controller {
	return &Controller{role: RoleMaster, replID: generateReplID()}
}

// NewReplica returns a Controller for a server configured with
// --replicaof, attached to the given master address.
func NewReplica(host string, port int) *Controller {
	return &Controller{role: RoleReplica, masterHost: host, masterPort: port}
}

func generateReplID() string {
	b := make([]byte, 20) // 20 bytes = 40 hex characters
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; a fixed fallback keeps the server usable for testing
		// rather than crashing startup over an unused replication id.
		return "0000000000000000000000000000000000000000"[:40]
	}
	return fmt.Sprintf("%x", b)
}

func (c *Controller) Role() Role { return c.role }

// ReplicationID returns the master's 40-hex-character id, or "" on a
// replica — replicas never advertise one of their own.
func (c *Controller) ReplicationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replID
}

func (c *Controller) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

func (c *Controller) MasterAddr() (host string, port int) { return c.masterHost, c.masterPort }

// Replicas returns a snapshot of the currently attached replica set.
func (c *Controller) Replicas() []*AttachedReplica {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*AttachedReplica, len(c.replicas))
	copy(out, c.replicas)
	return out
}

// Attach registers conn, which has just completed the PSYNC handshake, as
// an attached replica. The caller must not read further client commands
// from conn afterward — the set becomes its sole owner.
func (c *Controller) Attach(conn net.Conn, listeningPort int) *AttachedReplica {
	r := &AttachedReplica{
		conn:          conn,
		writer:        bufio.NewWriter(conn),
		listeningPort: listeningPort,
	}
	c.mu.Lock()
	c.replicas = append(c.replicas, r)
	c.mu.Unlock()
	log.Printf("[repl] attached replica %s (listening-port=%d)", r.Addr(), listeningPort)
	return r
}

// FullResyncReply builds the "+FULLRESYNC <replid> <offset>" frame a master
// sends in response to PSYNC ? -1.
func (c *Controller) FullResyncReply() *resp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return resp.NewSimpleString(fmt.Sprintf("FULLRESYNC %s %d", c.replID, c.offset))
}

// Propagate serializes args in the canonical command-array form and writes
// it to every attached replica, in insertion order. A replica whose write
// fails is removed from the set; the failure is logged, never surfaced to
// the client that triggered the mutation. The offset advances by the wire
// length of the serialized command regardless of how many replicas (if
// any) are attached.
func (c *Controller) Propagate(args ...string) {
	if c.role != RoleMaster {
		return
	}
	encoded := resp.NewCommandArray(args...).Encode()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.offset += int64(len(encoded))

	live := c.replicas[:0]
	for _, r := range c.replicas {
		if _, err := r.writer.Write(encoded); err != nil {
			log.Printf("[repl] write to replica %s failed, evicting: %v", r.Addr(), err)
			r.conn.Close()
			continue
		}
		if err := r.writer.Flush(); err != nil {
			log.Printf("[repl] flush to replica %s failed, evicting: %v", r.Addr(), err)
			r.conn.Close()
			continue
		}
		live = append(live, r)
	}
	c.replicas = live
}

// SetHandshakeResult records the replication id and starting offset a
// replica learns from the master's FULLRESYNC reply.
func (c *Controller) SetHandshakeResult(replID string, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replID = replID
	c.offset = offset
}

// AddOffset advances the replica's consumed-byte offset by delta and
// returns the new value, for a replica's apply loop to report back in a
// REPLCONF ACK.
func (c *Controller) AddOffset(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += delta
	return c.offset
}
