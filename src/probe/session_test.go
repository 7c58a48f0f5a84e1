package probe

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsp-probe/internal/errors"
	"lsp-probe/src/server/protocol"
)

// fakePeer scripts the peer side of a session: canned response frames on the
// way out, captured request frames on the way in.
type fakePeer struct {
	wire       bytes.Buffer
	reader     *bufio.Reader
	diag       string
	exitCode   int
	waitErr    error
	writeErr   error
	terminated int
}

func newFakePeer(frames ...protocol.JSONRPCMessage) *fakePeer {
	var out bytes.Buffer
	for _, m := range frames {
		if err := protocol.WriteMessage(&out, m); err != nil {
			panic(err)
		}
	}
	return &fakePeer{reader: bufio.NewReader(&out)}
}

func (p *fakePeer) WriteAll(data []byte) error {
	if p.writeErr != nil {
		return p.writeErr
	}
	p.wire.Write(data)
	return nil
}

func (p *fakePeer) Reader() *bufio.Reader           { return p.reader }
func (p *fakePeer) DrainDiagnostics() string        { return p.diag }
func (p *fakePeer) Terminate()                      { p.terminated++ }
func (p *fakePeer) Wait(time.Duration) (int, error) { return p.exitCode, p.waitErr }

// sentFrames decodes every frame the session wrote to the peer
func (p *fakePeer) sentFrames(t *testing.T) []*protocol.JSONRPCMessage {
	t.Helper()
	reader := bufio.NewReader(bytes.NewReader(p.wire.Bytes()))
	var frames []*protocol.JSONRPCMessage
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			if errors.IsPeerClosedError(err) {
				return frames
			}
			t.Fatalf("session wrote an undecodable frame: %v", err)
		}
		frames = append(frames, msg)
	}
}

func TestSessionRequestIDsAreMonotonic(t *testing.T) {
	peer := newFakePeer()
	s := NewSession(peer)

	var ids []int
	for i := 0; i < 3; i++ {
		id, err := s.SendRequest("workspace/symbol", map[string]any{"query": "x"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)

	frames := peer.sentFrames(t)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.True(t, f.IsRequest())
		assert.Equal(t, float64(i+1), f.ID)
	}
}

func TestSessionCorrelatesSequentialResponses(t *testing.T) {
	peer := newFakePeer(
		protocol.CreateResponse(1, map[string]any{"first": true}, nil),
		protocol.CreateResponse(2, map[string]any{"second": true}, nil),
	)
	s := NewSession(peer)
	ctx := context.Background()

	id1, err := s.SendRequest("workspace/symbol", map[string]any{"query": "a"})
	require.NoError(t, err)
	result, rpcErr, err := s.AwaitResponse(ctx, id1)
	require.NoError(t, err)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"first":true}`, string(result))

	id2, err := s.SendRequest("workspace/symbol", map[string]any{"query": "b"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	result, rpcErr, err = s.AwaitResponse(ctx, id2)
	require.NoError(t, err)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"second":true}`, string(result))
}

func TestSessionReturnsRPCError(t *testing.T) {
	peer := newFakePeer(
		protocol.CreateResponse(1, nil, protocol.NewRPCError(protocol.MethodNotFound, "nope", nil)),
	)
	s := NewSession(peer)

	id, err := s.SendRequest("bogus/method", nil)
	require.NoError(t, err)
	result, rpcErr, err := s.AwaitResponse(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.MethodNotFound, rpcErr.Code)
	assert.Nil(t, result)
}

func TestSessionMismatchedIDIsUnexpected(t *testing.T) {
	peer := newFakePeer(
		protocol.CreateResponse(99, map[string]any{}, nil),
	)
	s := NewSession(peer)

	id, err := s.SendRequest("workspace/symbol", nil)
	require.NoError(t, err)
	_, _, err = s.AwaitResponse(context.Background(), id)
	assert.True(t, errors.IsUnexpectedMessageError(err), "got %v", err)
}

func TestSessionServerInitiatedTrafficIsUnexpected(t *testing.T) {
	tests := []struct {
		name  string
		frame protocol.JSONRPCMessage
	}{
		{"server request", protocol.CreateMessage("workspace/configuration", 7, nil)},
		{"server notification", protocol.CreateNotification("window/logMessage", map[string]any{"message": "hi"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := newFakePeer(tt.frame)
			s := NewSession(peer)

			id, err := s.SendRequest("workspace/symbol", nil)
			require.NoError(t, err)
			_, _, err = s.AwaitResponse(context.Background(), id)
			assert.True(t, errors.IsUnexpectedMessageError(err), "got %v", err)
		})
	}
}

func TestSessionPeerExitSurfacesAsClosed(t *testing.T) {
	// No canned frames: the stream EOFs where a reply was expected
	peer := newFakePeer()
	s := NewSession(peer)

	id, err := s.SendRequest("initialize", map[string]any{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := s.AwaitResponse(context.Background(), id)
		done <- err
	}()

	select {
	case err := <-done:
		assert.True(t, errors.IsPeerClosedError(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitResponse hung on closed peer")
	}
}

// silentPeer stays alive but never writes a reply, so reads block until the
// pipe is closed.
type silentPeer struct {
	r          *io.PipeReader
	w          *io.PipeWriter
	reader     *bufio.Reader
	terminated int
}

func newSilentPeer() *silentPeer {
	r, w := io.Pipe()
	return &silentPeer{r: r, w: w, reader: bufio.NewReader(r)}
}

func (p *silentPeer) WriteAll([]byte) error           { return nil }
func (p *silentPeer) Reader() *bufio.Reader           { return p.reader }
func (p *silentPeer) DrainDiagnostics() string        { return "" }
func (p *silentPeer) Wait(time.Duration) (int, error) { return -1, nil }

func (p *silentPeer) Terminate() {
	p.terminated++
	p.r.Close()
	p.w.Close()
}

func TestSessionSilentPeerHonorsDeadline(t *testing.T) {
	peer := newSilentPeer()
	s := NewSession(peer)

	id, err := s.SendRequest("initialize", map[string]any{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := s.AwaitResponse(ctx, id)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, peer.terminated, "peer must be terminated on expiry")
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitResponse ignored the deadline against a peer that never replies")
	}
}

func TestSessionPipelinedReplyOutOfOrder(t *testing.T) {
	// The peer answers the first request while the caller awaits the second.
	// Both ids are outstanding, so this is a correlation failure rather than
	// an unexpected message.
	peer := newFakePeer(
		protocol.CreateResponse(1, map[string]any{}, nil),
	)
	s := NewSession(peer)

	_, err := s.SendRequest("workspace/symbol", map[string]any{"query": "a"})
	require.NoError(t, err)
	id2, err := s.SendRequest("workspace/symbol", map[string]any{"query": "b"})
	require.NoError(t, err)

	_, _, err = s.AwaitResponse(context.Background(), id2)
	require.Error(t, err)
	assert.False(t, errors.IsUnexpectedMessageError(err), "got %v", err)
	assert.Contains(t, err.Error(), "awaiting")
}

func TestSessionContextCancellation(t *testing.T) {
	peer := newFakePeer()
	s := NewSession(peer)

	id, err := s.SendRequest("workspace/symbol", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = s.AwaitResponse(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionLifecycleStates(t *testing.T) {
	peer := newFakePeer(
		protocol.CreateResponse(1, map[string]any{"capabilities": map[string]any{}}, nil),
		protocol.CreateResponse(2, nil, nil),
	)
	s := NewSession(peer)
	ctx := context.Background()

	assert.Equal(t, StateFresh, s.State())

	id, err := s.SendRequest("initialize", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, s.State())

	_, _, err = s.AwaitResponse(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())

	require.NoError(t, s.SendNotification("initialized", map[string]any{}))
	assert.Equal(t, StateActive, s.State())

	id, err = s.SendRequest("shutdown", nil)
	require.NoError(t, err)
	assert.Equal(t, StateShuttingDown, s.State())

	_, _, err = s.AwaitResponse(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.SendNotification("exit", nil))
	assert.Equal(t, StateExited, s.State())
}

func TestSessionNotificationHasNoID(t *testing.T) {
	peer := newFakePeer()
	s := NewSession(peer)

	require.NoError(t, s.SendNotification("initialized", map[string]any{}))

	frames := peer.sentFrames(t)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].IsNotification())
	assert.Nil(t, frames[0].ID)
}

func TestSessionWriteFailurePropagates(t *testing.T) {
	peer := newFakePeer()
	peer.writeErr = errors.NewWriteError(nil)
	s := NewSession(peer)

	_, err := s.SendRequest("initialize", nil)
	assert.True(t, errors.IsWriteError(err), "got %v", err)

	err = s.SendNotification("initialized", nil)
	assert.True(t, errors.IsWriteError(err), "got %v", err)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	peer := newFakePeer()
	s := NewSession(peer)

	s.Close()
	s.Close()
	assert.Equal(t, 1, peer.terminated)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "fresh", StateFresh.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "state(42)", SessionState(42).String())
}
