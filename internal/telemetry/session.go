package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-monitor/internal/registry"
)

const (
	replyBuffer     = 100
	registerTimeout = 30 * time.Second
)

// FrameConn is one agent transport connection carrying encoded envelopes.
// ReadFrame and WriteFrame are each called from a single goroutine.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
}

// Reply is the payload of ack and error envelopes sent back to agents.
type Reply struct {
	ID    string `json:"id"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// DecodeReply parses a server reply frame on the agent side.
func DecodeReply(data []byte) (MessageType, Reply, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", Reply{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Type != TypeAck && env.Type != TypeError {
		return "", Reply{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	var r Reply
	if err := unmarshalPayload(env.Payload, &r); err != nil {
		return "", Reply{}, err
	}
	return env.Type, r, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownMessageType):
		return "unknown_message_type"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrStaleAgent):
		return "stale_agent"
	default:
		return "internal"
	}
}

// ServeConn runs the agent protocol on conn until the transport fails, the
// session is closed by the registry, or ctx is done. The first frame must be
// a register envelope. Bad frames after registration are answered with an
// error reply and the connection stays open.
func (i *Ingestor) ServeConn(ctx context.Context, conn FrameConn, remoteAddr string) error {
	first, err := readFirst(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to receive register message: %w", err)
	}

	env, err := DecodeEnvelope(first)
	if err == nil {
		var sess *registry.Session
		sess, err = i.Register(env, remoteAddr)
		if err == nil {
			return i.serveSession(ctx, conn, sess, env.ID)
		}
	}

	slog.Warn("Agent registration rejected", "remote_addr", remoteAddr, "error", err)
	if data, encErr := replyFrame(TypeError, env.AgentID, Reply{ID: env.ID, Code: errorCode(err), Error: err.Error()}); encErr == nil {
		_ = conn.WriteFrame(data)
	}
	return err
}

func readFirst(ctx context.Context, conn FrameConn) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadFrame()
		ch <- result{data, err}
	}()

	timer := time.NewTimer(registerTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		return nil, fmt.Errorf("no register message within %s", registerTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (i *Ingestor) serveSession(ctx context.Context, conn FrameConn, sess *registry.Session, registerID string) error {
	slog.Info("Agent connection established",
		"agent_id", sess.AgentID,
		"session_id", sess.ID,
		"address", sess.Address)

	replies := make(chan []byte, replyBuffer)
	done := make(chan struct{})
	errChan := make(chan error, 2)

	i.enqueue(sess, replies, TypeAck, Reply{ID: registerID})

	go i.receiveLoop(conn, sess, replies, done, errChan)
	go sendLoop(conn, sess.AgentID, replies, done, errChan)

	reason := registry.ReasonTransport
	var err error
	select {
	case err = <-errChan:
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case <-sess.Done():
		// superseded, timed out or disconnected by an operator
		slog.Info("Agent session closed by registry", "agent_id", sess.AgentID, "session_id", sess.ID)
	case <-ctx.Done():
		reason = registry.ReasonShutdown
		err = ctx.Err()
	}
	close(done)

	if i.registry.Release(sess, reason) {
		slog.Info("Agent disconnected", "agent_id", sess.AgentID, "reason", reason)
	}
	return err
}

func (i *Ingestor) receiveLoop(conn FrameConn, sess *registry.Session, replies chan<- []byte, done <-chan struct{}, errChan chan<- error) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			select {
			case <-done:
			default:
				if !errors.Is(err, io.EOF) {
					slog.Error("Error receiving message", "agent_id", sess.AgentID, "error", err)
				}
			}
			errChan <- err
			return
		}

		env, err := DecodeEnvelope(data)
		if err == nil {
			err = i.Handle(sess, env)
		}

		if err != nil {
			slog.Debug("Rejected agent message", "agent_id", sess.AgentID, "type", env.Type, "error", err)
			i.enqueue(sess, replies, TypeError, Reply{ID: env.ID, Code: errorCode(err), Error: err.Error()})
			if errors.Is(err, ErrStaleAgent) {
				errChan <- err
				return
			}
			continue
		}

		// heartbeats are acknowledged; metric and log frames are fire and forget
		if env.Type == TypeHeartbeat {
			i.enqueue(sess, replies, TypeAck, Reply{ID: env.ID})
		}
	}
}

func (i *Ingestor) enqueue(sess *registry.Session, replies chan<- []byte, typ MessageType, r Reply) {
	data, err := replyFrame(typ, sess.AgentID, r)
	if err != nil {
		slog.Error("Failed to encode reply", "agent_id", sess.AgentID, "error", err)
		return
	}
	select {
	case replies <- data:
	default:
		slog.Warn("Reply queue full, dropping reply", "agent_id", sess.AgentID, "type", typ)
	}
}

func sendLoop(conn FrameConn, agentID string, replies <-chan []byte, done <-chan struct{}, errChan chan<- error) {
	for {
		select {
		case <-done:
			return
		case data := <-replies:
			if err := conn.WriteFrame(data); err != nil {
				slog.Error("Error sending message", "agent_id", agentID, "error", err)
				errChan <- err
				return
			}
		}
	}
}

func replyFrame(typ MessageType, agentID string, r Reply) ([]byte, error) {
	env, err := NewEnvelope(typ, agentID, r)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(env)
}
