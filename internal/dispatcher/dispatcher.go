// Package dispatcher serves one request per accepted connection (§4.6):
// shared-secret handshake, version exchange, decode, dispatch, respond.
// Mutations requiring a live child (start/pause/kill/send/reset/shutdown)
// are handed to the scheduler's instruction channel; purely data
// mutations are applied directly under the state store's lock. Adapted
// from the teacher's HTTP handler layer (internal/api), generalized from
// chi routes matched on method+path to a single frame dispatched on a
// tagged Request.Kind.
package dispatcher

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/logstore"
	"github.com/pueue-rs/pueued-go/internal/metrics"
	"github.com/pueue-rs/pueued-go/internal/scheduler"
	"github.com/pueue-rs/pueued-go/internal/state"
	"github.com/pueue-rs/pueued-go/internal/task"
	"github.com/pueue-rs/pueued-go/internal/wire"
)

// SecretSize is the length of the raw handshake secret read before any
// framing begins (§4.6 step 1, §6).
const SecretSize = 512

// FollowPollInterval is how often a Follow stream re-checks the log file
// for new output.
const FollowPollInterval = 300 * time.Millisecond

// Dispatcher owns everything one connection's handler needs: the store,
// the scheduler's instruction channel, the log store, an optional
// command aliaser, and the shared secret peers must present.
type Dispatcher struct {
	store     *state.Store
	scheduler *scheduler.Scheduler
	logs      *logstore.Store
	aliaser   *task.Aliaser
	secret    []byte
	version   string
}

func New(store *state.Store, sched *scheduler.Scheduler, logs *logstore.Store, aliaser *task.Aliaser, secret []byte, version string) *Dispatcher {
	return &Dispatcher{store: store, scheduler: sched, logs: logs, aliaser: aliaser, secret: secret, version: version}
}

// Handle drives one accepted connection to completion, closing it when
// the handler returns (unless the error is already a closed connection).
func (d *Dispatcher) Handle(conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.New().String()[:8]
	log := logger.WithComponent("dispatcher")

	if err := d.handshake(conn); err != nil {
		log.Debug().Str("session", sessionID).Err(err).Msg("handshake failed")
		return
	}

	var req wire.Request
	if err := wire.DecodeFrame(conn, &req); err != nil {
		if err != io.EOF {
			log.Warn().Str("session", sessionID).Err(err).Msg("failed to decode request")
		}
		return
	}

	if req.Kind == wire.ReqFollow {
		d.handleFollow(conn, req)
		return
	}

	resp := d.dispatch(req)
	outcome := "ok"
	if resp.Kind == wire.RespFailure {
		outcome = "error"
	}
	metrics.RecordRequest(string(req.Kind), outcome)

	if err := wire.EncodeFrame(conn, resp); err != nil {
		log.Warn().Str("session", sessionID).Err(err).Msg("failed to write response")
	}
}

// handshake reads the raw secret and compares it byte-for-byte, then
// sends the daemon's version as a framed payload.
func (d *Dispatcher) handshake(conn net.Conn) error {
	buf := make([]byte, SecretSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	if !secretsEqual(buf, d.secret) {
		return fmt.Errorf("secret mismatch")
	}
	return wire.WriteFrame(conn, []byte(d.version))
}

func secretsEqual(got, want []byte) bool {
	if len(want) == 0 {
		return false
	}
	trimmed := got[:len(want)]
	match := byte(0)
	for i := range want {
		match |= trimmed[i] ^ want[i]
	}
	return match == 0
}

func failure(format string, args ...interface{}) wire.Response {
	return wire.Response{Kind: wire.RespFailure, Text: fmt.Sprintf(format, args...)}
}

func success(format string, args ...interface{}) wire.Response {
	return wire.Response{Kind: wire.RespSuccess, Text: fmt.Sprintf(format, args...)}
}

// dispatch routes one decoded request to its handler.
func (d *Dispatcher) dispatch(req wire.Request) wire.Response {
	switch req.Kind {
	case wire.ReqAdd:
		return d.handleAdd(req)
	case wire.ReqRemove:
		return d.handleRemove(req)
	case wire.ReqSwitch:
		return d.handleSwitch(req)
	case wire.ReqStash:
		return d.handleStash(req)
	case wire.ReqEnqueue:
		return d.handleEnqueue(req)
	case wire.ReqStart:
		return d.handleSchedulerAction(scheduler.InstrStart, req)
	case wire.ReqPause:
		return d.handleSchedulerAction(scheduler.InstrPause, req)
	case wire.ReqKill:
		return d.handleSchedulerAction(scheduler.InstrKill, req)
	case wire.ReqSend:
		return d.handleSend(req)
	case wire.ReqEditRequest:
		return d.handleEditRequest(req)
	case wire.ReqEditCommit:
		return d.handleEditCommit(req)
	case wire.ReqEnvSet:
		return d.handleEnvSet(req)
	case wire.ReqEnvUnset:
		return d.handleEnvUnset(req)
	case wire.ReqGroupList:
		return d.handleGroupList()
	case wire.ReqGroupAdd:
		return d.handleGroupAdd(req)
	case wire.ReqGroupRemove:
		return d.handleGroupRemove(req)
	case wire.ReqParallel:
		return d.handleParallel(req)
	case wire.ReqClean:
		return d.handleClean(req)
	case wire.ReqResetAll:
		return d.handleReset(scheduler.InstrResetAll, req)
	case wire.ReqResetGroups:
		return d.handleReset(scheduler.InstrResetGroups, req)
	case wire.ReqStatus:
		return d.handleStatus()
	case wire.ReqLog:
		return d.handleLog(req)
	case wire.ReqShutdown:
		return d.handleShutdown(req)
	case wire.ReqDaemonPing:
		return success(d.version)
	default:
		return failure("unknown request kind %q", req.Kind)
	}
}
