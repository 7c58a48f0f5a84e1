package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"lsp-probe/internal/common"
	"lsp-probe/internal/errors"
	"lsp-probe/internal/types"
	"lsp-probe/src/server/protocol"
)

// Peer is the subprocess surface the session drives: frames in, frames out,
// diagnostics, lifecycle. Satisfied by *process.ServerProcess.
type Peer interface {
	WriteAll(data []byte) error
	Reader() *bufio.Reader
	DrainDiagnostics() string
	Wait(timeout time.Duration) (int, error)
	Terminate()
}

// SessionState tracks where the session is in the protocol lifecycle
type SessionState int

const (
	StateFresh SessionState = iota
	StateInitializing
	StateActive
	StateShuttingDown
	StateExited
)

var sessionStateNames = map[SessionState]string{
	StateFresh:        "fresh",
	StateInitializing: "initializing",
	StateActive:       "active",
	StateShuttingDown: "shutting-down",
	StateExited:       "exited",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the request/response correlation engine for one peer over one
// session lifetime. It is strictly synchronous: one logical thread of
// control, one request in flight, no deferred-message queue. State advances
// only through the calls the driver makes, never on its own.
//
// Pending bookkeeping is a set keyed by id rather than a single slot so that
// pipelined requests would need no structural change.
type Session struct {
	peer    Peer
	nextID  int
	pending map[int]struct{}
	state   SessionState

	closeOnce sync.Once
}

// NewSession wraps a spawned peer in a fresh session. The session takes
// exclusive ownership of the peer; Close releases it.
func NewSession(peer Peer) *Session {
	return &Session{
		peer:    peer,
		pending: make(map[int]struct{}),
		state:   StateFresh,
	}
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return s.state
}

// SendRequest allocates a fresh id, frames and writes the request, and
// records the id as pending. It returns the id immediately without awaiting
// the reply. Ids increase monotonically and are never reused in a session.
func (s *Session) SendRequest(method string, params interface{}) (int, error) {
	s.nextID++
	id := s.nextID

	msg := protocol.CreateMessage(method, id, params)
	var frame bytes.Buffer
	if err := protocol.WriteMessage(&frame, msg); err != nil {
		return 0, fmt.Errorf("failed to encode request %s: %w", method, err)
	}

	s.pending[id] = struct{}{}
	if err := s.peer.WriteAll(frame.Bytes()); err != nil {
		delete(s.pending, id)
		return 0, err
	}

	switch method {
	case types.MethodInitialize:
		s.state = StateInitializing
	case types.MethodShutdown:
		s.state = StateShuttingDown
	}

	common.ProbeLogger.Debug("Sent request: method=%s, id=%d", method, id)
	return id, nil
}

// AwaitResponse blocks reading frames from the peer until the response
// bearing the given id arrives, and returns its result or error member.
// Anything else on the wire (a server-initiated request or notification, or
// a response whose id was never issued) is surfaced as UnexpectedMessage:
// the driver's fixed sequence never provokes such traffic, so there is no
// deferred-message queue to park it in. Peer EOF surfaces as
// PeerClosedUnexpectedly rather than a hang.
//
// The read itself is bounded by the context: a peer that stays alive but
// never replies fails the await when the context expires instead of blocking
// forever. On expiry the peer is terminated to unblock the reader; the
// session is finished either way. No retries on any failure.
func (s *Session) AwaitResponse(ctx context.Context, id int) (json.RawMessage, *protocol.RPCError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	type readResult struct {
		msg *protocol.JSONRPCMessage
		err error
	}
	frames := make(chan readResult, 1)
	go func() {
		msg, err := protocol.ReadMessage(s.peer.Reader())
		frames <- readResult{msg, err}
	}()

	var msg *protocol.JSONRPCMessage
	select {
	case <-ctx.Done():
		s.peer.Terminate()
		return nil, nil, ctx.Err()
	case res := <-frames:
		if res.err != nil {
			return nil, nil, res.err
		}
		msg = res.msg
	}

	if msg.Method != "" {
		return nil, nil, errors.NewUnexpectedMessageError(msg.Method, msg.ID)
	}
	wireID, ok := wireIDAsInt(msg.ID)
	if !ok {
		return nil, nil, errors.NewUnexpectedMessageError("", msg.ID)
	}
	if _, issued := s.pending[wireID]; !issued {
		return nil, nil, errors.NewUnexpectedMessageError("", msg.ID)
	}
	if wireID != id {
		return nil, nil, fmt.Errorf("response for outstanding request %d arrived while awaiting %d", wireID, id)
	}

	delete(s.pending, id)
	if s.state == StateInitializing {
		s.state = StateActive
	}

	if msg.Error != nil {
		return nil, msg.Error, nil
	}
	return msg.Result, nil, nil
}

// SendNotification frames and writes a notification; no reply is expected
// and no pending entry is created.
func (s *Session) SendNotification(method string, params interface{}) error {
	msg := protocol.CreateNotification(method, params)
	var frame bytes.Buffer
	if err := protocol.WriteMessage(&frame, msg); err != nil {
		return fmt.Errorf("failed to encode notification %s: %w", method, err)
	}

	if err := s.peer.WriteAll(frame.Bytes()); err != nil {
		return err
	}

	if method == types.MethodExit {
		s.state = StateExited
	}

	common.ProbeLogger.Debug("Sent notification: method=%s", method)
	return nil
}

// WaitExit blocks until the peer process terminates, bounded by the timeout
func (s *Session) WaitExit(timeout time.Duration) (int, error) {
	return s.peer.Wait(timeout)
}

// Diagnostics returns the peer's accumulated stderr output for post-mortem
// reporting
func (s *Session) Diagnostics() string {
	return s.peer.DrainDiagnostics()
}

// Close terminates the peer and reclaims its resources. Called exactly once
// on every exit path; additional calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.peer.Terminate()
	})
}

// wireIDAsInt normalizes a decoded wire id to a locally issued one. JSON
// numbers arrive as float64; string ids are matched textually.
func wireIDAsInt(wireID interface{}) (int, bool) {
	switch v := wireID.(type) {
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}
