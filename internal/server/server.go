// Package server wires together the Store, Controller, and Engine behind
// a TCP accept loop — the Connection Handler of the system. Its accept
// loop and connection bookkeeping are grounded on
// GoRedis/internal/server/redis_server.go, trimmed of AOF/RDB/cluster
// bootstrapping.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"redislite/internal/command"
	"redislite/internal/repl"
	"redislite/internal/resp"
	"redislite/internal/store"
)

// Server owns the listener, the shared Store/Controller/Engine triple,
// and the bookkeeping needed for a clean shutdown.
type Server struct {
	config *Config

	store   *store.Store
	repl    *repl.Controller
	engine  *command.Engine
	cmdMu   sync.Mutex // the single mutex of spec section 5: guards Store, the replication offset, and the attached-replica set for the duration of one command's execute+propagate

	listener net.Listener

	connections   sync.Map
	connIDCounter atomic.Int64
	activeConns   atomic.Int64
	wg            sync.WaitGroup

	shutdownChan chan struct{}
	mu           sync.RWMutex
	isShutdown   bool
}

// New builds a Server in the role cfg.IsReplica selects. On the replica
// path the returned Server has not yet dialed its master; call Start to
// begin both the accept loop and, for a replica, the handshake.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := store.New()

	var controller *repl.Controller
	if cfg.IsReplica {
		controller = repl.NewReplica(cfg.MasterHost, cfg.MasterPort)
	} else {
		controller = repl.NewMaster()
	}

	return &Server{
		config:       cfg,
		store:        s,
		repl:         controller,
		engine:       command.New(s, controller),
		shutdownChan: make(chan struct{}),
	}
}

// Start listens on cfg.Host:cfg.Port, launches the replica handshake if
// configured as a replica, and blocks accepting connections until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("listening on %s as %s", addr, s.repl.Role())

	if s.config.IsReplica {
		go s.runReplicaLoop()
	}

	go s.acceptLoop(ctx)

	<-ctx.Done()
	return nil
}

// runReplicaLoop drives the handshake and apply loop against the master,
// reconnecting with a fixed backoff if the connection drops. A replica
// that can never reach its master keeps retrying rather than exiting, so
// that starting the replica before the master is up is not a fatal race.
func (s *Server) runReplicaLoop() {
	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		client := repl.NewReplicaClient(s.repl, s.config.Port)
		host, port := s.repl.MasterAddr()
		log.Printf("connecting to master %s:%d", host, port)

		if err := client.Run(lockedApplier{s}); err != nil {
			log.Printf("replication link to master lost: %v", err)
		}

		select {
		case <-s.shutdownChan:
			return
		case <-time.After(time.Second):
		}
	}
}

// lockedApplier applies replicated commands under cmdMu, so the replica's
// apply loop and client handlers never touch the Store concurrently.
type lockedApplier struct{ s *Server }

func (a lockedApplier) Apply(args []string) {
	a.s.cmdMu.Lock()
	defer a.s.cmdMu.Unlock()
	a.s.engine.Apply(args)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			shuttingDown := s.isShutdown
			s.mu.RUnlock()
			if shuttingDown {
				return
			}
			log.Printf("accept error: %v", err)
			continue
		}

		if s.activeConns.Load() >= int64(s.config.MaxConnections) {
			log.Printf("max connections reached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection owns conn until, for a connection that completes the
// PSYNC handshake, ownership transfers to the Replication Controller's
// attached-replica set — from that point the master only ever writes to
// it, per spec.md section 4.5, so this goroutine returns without closing
// the connection or clearing its bookkeeping entry.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	id := s.connIDCounter.Add(1)
	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	s.connections.Store(id, conn)

	handedOff := false
	defer func() {
		if !handedOff {
			s.connections.Delete(id)
			conn.Close()
		}
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	state := command.NewConnState()

	for {
		frame, err := resp.Parse(r)
		if err != nil {
			return
		}

		args, err := frame.StringArgs()
		if err != nil {
			writeAndFlush(w, resp.NewError(err.Error()))
			continue
		}
		if len(args) == 0 {
			continue
		}

		s.cmdMu.Lock()
		outcome := s.engine.Execute(state, args)
		s.cmdMu.Unlock()

		if outcome.Reply != nil {
			if err := writeAndFlush(w, outcome.Reply); err != nil {
				return
			}
		}

		if outcome.EmitSnapshot {
			if err := s.emitSnapshot(w); err != nil {
				return
			}
		}

		if outcome.Attach {
			s.cmdMu.Lock()
			s.repl.Attach(conn, state.PendingListeningPort)
			s.cmdMu.Unlock()
			handedOff = true
			return
		}
	}
}

// emitSnapshot writes the "$<N>\r\n" + N raw bytes quirked framing
// documented in internal/repl: deliberately no trailing CRLF.
func (s *Server) emitSnapshot(w *bufio.Writer) error {
	snapshot := repl.Snapshot()
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(snapshot)); err != nil {
		return err
	}
	if _, err := w.Write(snapshot); err != nil {
		return err
	}
	return w.Flush()
}

func writeAndFlush(w *bufio.Writer, f *resp.Frame) error {
	if _, err := w.Write(f.Encode()); err != nil {
		return err
	}
	return w.Flush()
}

// Shutdown closes the listener and every open connection, then waits
// (with a timeout) for their handler goroutines to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	close(s.shutdownChan)
	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("all connections closed")
	case <-time.After(5 * time.Second):
		log.Println("shutdown timeout reached, forcing exit")
	}
}
