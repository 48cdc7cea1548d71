// Package command implements the command vocabulary: a switch from command
// name to handler, standing in for GoRedis's internal/handler/handler.go
// registerCommands map, trimmed to the eight commands this server
// understands.
package command

import (
	"errors"
	"strconv"
	"strings"

	"redislite/internal/repl"
	"redislite/internal/resp"
	"redislite/internal/store"
)

// ConnState is the per-connection handshake bookkeeping the engine needs
// across calls to Execute: whether this connection has announced a
// listening port (REPLCONF listening-port) and is therefore eligible to be
// attached as a replica once PSYNC arrives.
type ConnState struct {
	PendingListeningPort int // -1 until REPLCONF listening-port is seen
}

func NewConnState() *ConnState {
	return &ConnState{PendingListeningPort: -1}
}

// Outcome is a command's reply plus any role-dependent post-action the
// connection handler must take after writing it.
type Outcome struct {
	Reply *resp.Frame

	// EmitSnapshot is true after a PSYNC reply: the handler must write
	// repl.Snapshot() immediately following Reply, with no trailing CRLF.
	EmitSnapshot bool

	// Attach is true once EmitSnapshot has been requested; the handler
	// must call Controller.Attach after writing the snapshot and then
	// stop reading client commands from this connection.
	Attach bool
}

// writeCommands is the set of commands that mutate the Store and are
// eligible for propagation — trimmed, in spirit of GoRedis's
// IsWriteCommand, to the one write command this server has.
var writeCommands = map[string]bool{"SET": true}

// Engine holds the shared Store and Controller a connection handler
// dispatches commands against. The caller is responsible for serializing
// access to Execute across connections (see internal/server) — Engine
// itself holds no lock.
type Engine struct {
	Store *store.Store
	Repl  *repl.Controller
}

func New(s *store.Store, r *repl.Controller) *Engine {
	return &Engine{Store: s, Repl: r}
}

// IsWriteCommand reports whether name mutates the Store.
func IsWriteCommand(name string) bool {
	return writeCommands[strings.ToUpper(name)]
}

// Execute dispatches one client-issued command. args[0] is the command
// name; matching is case-insensitive ASCII per spec.
func (e *Engine) Execute(state *ConnState, args []string) Outcome {
	if len(args) == 0 {
		return Outcome{Reply: resp.NewError("ERR empty command")}
	}
	name := strings.ToUpper(args[0])

	if IsWriteCommand(name) && e.Repl.Role() == repl.RoleReplica {
		return Outcome{Reply: resp.NewError("READONLY You can't write against a read only replica.")}
	}

	switch name {
	case "PING":
		return Outcome{Reply: resp.NewSimpleString("PONG")}
	case "ECHO":
		return e.echo(args)
	case "GET":
		return e.get(args)
	case "SET":
		return e.set(args)
	case "INFO":
		return e.info(args)
	case "REPLCONF":
		return e.replconf(state, args)
	case "PSYNC":
		return e.psync(args)
	case "COMMAND":
		return Outcome{Reply: resp.NewError("ERR unknown command 'COMMAND'")}
	default:
		return Outcome{Reply: resp.NewError("ERR unknown command '" + args[0] + "'")}
	}
}

// Apply performs the store-side effect of a command received from the
// replication stream. It implements repl.Applier and never produces a
// reply or propagates further.
func (e *Engine) Apply(args []string) {
	if len(args) == 0 {
		return
	}
	switch strings.ToUpper(args[0]) {
	case "SET":
		key, value, ttl, err := parseSetArgs(args)
		if err != nil {
			return
		}
		e.Store.Set(key, value, ttl)
	}
}

func (e *Engine) echo(args []string) Outcome {
	if len(args) != 2 {
		return Outcome{Reply: resp.NewError("ERR wrong number of arguments for 'echo' command")}
	}
	return Outcome{Reply: resp.NewBulkString(args[1])}
}

func (e *Engine) get(args []string) Outcome {
	if len(args) != 2 {
		return Outcome{Reply: resp.NewError("ERR wrong number of arguments for 'get' command")}
	}
	value, ok := e.Store.Get(args[1])
	if !ok {
		return Outcome{Reply: resp.NewNullBulk()}
	}
	return Outcome{Reply: resp.NewBulk(value)}
}

func (e *Engine) set(args []string) Outcome {
	key, value, ttl, err := parseSetArgs(args)
	if err != nil {
		return Outcome{Reply: resp.NewError(err.Error())}
	}
	if err := e.Store.Set(key, value, ttl); err != nil {
		return Outcome{Reply: resp.NewError(err.Error())}
	}
	e.Repl.Propagate(args...)
	return Outcome{Reply: resp.NewSimpleString("OK")}
}

// parseSetArgs validates SET k v [PX ms]. Per the spec's Open Questions,
// any additional token other than a well-formed PX option is a command
// error rather than a silently-ignored option.
func parseSetArgs(args []string) (key string, value []byte, ttl *uint64, err error) {
	if len(args) < 3 {
		return "", nil, nil, cmdErr("ERR wrong number of arguments for 'set' command")
	}
	key = args[1]
	value = []byte(args[2])

	switch len(args) {
	case 3:
		return key, value, nil, nil
	case 5:
		if !strings.EqualFold(args[3], "PX") {
			return "", nil, nil, cmdErr("ERR syntax error")
		}
		ms, err := strconv.ParseUint(args[4], 10, 64)
		if err != nil {
			return "", nil, nil, cmdErr("ERR value is not an integer or out of range")
		}
		return key, value, &ms, nil
	default:
		return "", nil, nil, cmdErr("ERR syntax error")
	}
}

func (e *Engine) info(args []string) Outcome {
	if len(args) != 2 || !strings.EqualFold(args[1], "replication") {
		return Outcome{Reply: resp.NewError("ERR unsupported INFO section")}
	}
	var lines []string
	if e.Repl.Role() == repl.RoleMaster {
		lines = []string{
			"role:master",
			"master_replid:" + e.Repl.ReplicationID(),
			"master_repl_offset:" + strconv.FormatInt(e.Repl.Offset(), 10),
		}
	} else {
		lines = []string{"role:slave"}
	}
	return Outcome{Reply: resp.NewBulkString(strings.Join(lines, "\n"))}
}

func (e *Engine) replconf(state *ConnState, args []string) Outcome {
	if len(args) < 2 {
		return Outcome{Reply: resp.NewError("ERR wrong number of arguments for 'replconf' command")}
	}
	sub := strings.ToUpper(args[1])
	switch sub {
	case "LISTENING-PORT":
		if len(args) != 3 {
			return Outcome{Reply: resp.NewError("ERR wrong number of arguments for 'replconf' command")}
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return Outcome{Reply: resp.NewError("ERR invalid listening port")}
		}
		state.PendingListeningPort = port
		return Outcome{Reply: resp.NewSimpleString("OK")}
	case "CAPA":
		// Unknown capabilities are accepted and ignored, as spec allows.
		return Outcome{Reply: resp.NewSimpleString("OK")}
	case "GETACK":
		// A master never issues GETACK to itself via the client path;
		// this arrives only over the replication stream, handled by
		// repl.ReplicaClient directly rather than through Execute.
		return Outcome{Reply: resp.NewSimpleString("OK")}
	case "ACK":
		// Acknowledgements from a replica require no reply at all.
		return Outcome{}
	default:
		return Outcome{Reply: resp.NewError("ERR unknown REPLCONF subcommand")}
	}
}

func (e *Engine) psync(args []string) Outcome {
	if e.Repl.Role() != repl.RoleMaster {
		return Outcome{Reply: resp.NewError("ERR PSYNC is master-only")}
	}
	if len(args) != 3 {
		return Outcome{Reply: resp.NewError("ERR wrong number of arguments for 'psync' command")}
	}
	return Outcome{
		Reply:        e.Repl.FullResyncReply(),
		EmitSnapshot: true,
		Attach:       true,
	}
}

func cmdErr(msg string) error { return errors.New(msg) }
