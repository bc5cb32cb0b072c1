package telemetry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteFrame(data []byte) error {
	p.out <- data
	return nil
}

func (p *pipeConn) send(t *testing.T, typ MessageType, agentID string, payload any) string {
	t.Helper()
	env := envelope(t, typ, agentID, payload)
	data, err := EncodeEnvelope(env)
	require.NoError(t, err)
	p.in <- data
	return env.ID
}

func (p *pipeConn) reply(t *testing.T) (MessageType, Reply) {
	t.Helper()
	select {
	case data := <-p.out:
		typ, r, err := DecodeReply(data)
		require.NoError(t, err)
		return typ, r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from server")
		return "", Reply{}
	}
}

func serve(ing *Ingestor, conn *pipeConn) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- ing.ServeConn(context.Background(), conn, "10.1.1.1:999") }()
	return errc
}

func TestServeConn_Protocol(t *testing.T) {
	ing, reg, _ := newTestIngestor(t, Config{})
	conn := newPipeConn()
	errc := serve(ing, conn)

	regID := conn.send(t, TypeRegister, "agent-1", nil)
	typ, r := conn.reply(t)
	assert.Equal(t, TypeAck, typ)
	assert.Equal(t, regID, r.ID)

	hbID := conn.send(t, TypeHeartbeat, "agent-1", map[string]any{"status": "ok"})
	typ, r = conn.reply(t)
	assert.Equal(t, TypeAck, typ)
	assert.Equal(t, hbID, r.ID)

	conn.in <- []byte(`{"type":"telemetry","agentId":"agent-1"}`)
	typ, r = conn.reply(t)
	assert.Equal(t, TypeError, typ)
	assert.Equal(t, "unknown_message_type", r.Code)

	conn.send(t, TypeMetric, "agent-1", map[string]any{"cpu": map[string]any{"usage_percent": 5}})
	require.Eventually(t, func() bool { return len(ing.Metrics("agent-1", time.Time{})) == 1 },
		time.Second, 5*time.Millisecond, "stream stays open after a bad frame")

	close(conn.in)
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return on EOF")
	}

	agent, _ := reg.Get("agent-1")
	assert.False(t, agent.Connected)
	assert.Equal(t, registry.ReasonTransport, agent.DisconnectReason)
}

func TestServeConn_FirstMessageMustRegister(t *testing.T) {
	ing, _, _ := newTestIngestor(t, Config{})
	conn := newPipeConn()
	errc := serve(ing, conn)

	conn.send(t, TypeHeartbeat, "agent-1", nil)

	typ, r := conn.reply(t)
	assert.Equal(t, TypeError, typ)
	assert.Equal(t, "invalid_payload", r.Code)
	assert.ErrorIs(t, <-errc, ErrInvalidPayload)
}

func TestServeConn_SupersededSessionEnds(t *testing.T) {
	ing, reg, _ := newTestIngestor(t, Config{})
	conn := newPipeConn()
	defer close(conn.closed)
	errc := serve(ing, conn)

	conn.send(t, TypeRegister, "agent-1", nil)
	conn.reply(t)

	_, err := reg.Register("agent-1", registry.Registration{})
	require.NoError(t, err)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("old session was not closed")
	}

	agent, _ := reg.Get("agent-1")
	assert.True(t, agent.Connected, "releasing the old session leaves the new one active")
}
