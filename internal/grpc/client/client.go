package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-monitor/internal/backoff"
	"github.com/EternisAI/silo-monitor/internal/grpc/agentrpc"
	grpctls "github.com/EternisAI/silo-monitor/internal/grpc/tls"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	retry "github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	sendChannelBuffer        = 100
	defaultHeartbeatInterval = 5 * time.Second
	ackTimeout               = 10 * time.Second
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	errStreamEnded   = errors.New("stream ended")
)

// DefaultReconnect doubles from 1s up to 30s between connection attempts.
var DefaultReconnect = backoff.Strategy{
	Type:     backoff.Exponential,
	Delay:    time.Second,
	MaxDelay: 30 * time.Second,
}

type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

type Config struct {
	ServerAddr        string
	AgentID           string
	TLS               *TLSConfig
	HeartbeatInterval time.Duration
	Reconnect         backoff.Strategy
	Registration      telemetry.RegisterMessage
	// Heartbeat builds each heartbeat payload; nil sends a bare status.
	Heartbeat func() telemetry.HeartbeatMessage
}

type Client struct {
	config Config

	conn   *grpc.ClientConn
	frames *agentrpc.Frames
	stream agentrpc.StreamClient

	sendCh chan []byte
	stopCh chan struct{}
	doneCh chan struct{}

	connected atomic.Bool
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	once   sync.Once
}

func NewClient(config Config) *Client {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.Reconnect.Delay <= 0 {
		config.Reconnect = DefaultReconnect
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:  config,
		sendCh:  make(chan []byte, sendChannelBuffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) Start() error {
	if c.config.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	c.once.Do(func() {
		slog.Info("Stopping gRPC client")
		close(c.stopCh)
		c.cancel()
		<-c.doneCh
		slog.Info("gRPC client stopped")
	})
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) AgentID() string {
	return c.config.AgentID
}

// SendMetric queues a sample. Samples queued while disconnected are sent
// after the next registration, up to the queue capacity.
func (c *Client) SendMetric(sample telemetry.MetricSample) error {
	return c.enqueue(telemetry.TypeMetric, sample)
}

func (c *Client) SendLog(entry logstream.LogEntry) error {
	return c.enqueue(telemetry.TypeLog, entry)
}

func (c *Client) enqueue(typ telemetry.MessageType, payload any) error {
	env, err := telemetry.NewEnvelope(typ, c.config.AgentID, payload)
	if err != nil {
		return err
	}
	data, err := telemetry.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	policy := c.config.Reconnect.Unbounded()
	session := func() (struct{}, error) {
		if err := c.ctx.Err(); err != nil {
			return struct{}{}, retry.Permanent(err)
		}

		if err := c.connect(); err != nil {
			slog.Error("Connection failed", "error", err)
			return struct{}{}, err
		}
		policy.Reset()

		err := c.handleStream()
		c.disconnect()
		select {
		case <-c.stopCh:
			return struct{}{}, retry.Permanent(context.Canceled)
		default:
		}
		if err == nil || errors.Is(err, io.EOF) {
			slog.Info("Server closed connection")
			return struct{}{}, errStreamEnded
		}
		slog.Error("Stream error", "error", err)
		return struct{}{}, err
	}

	_, err := retry.Retry(c.ctx, session,
		retry.WithBackOff(policy),
		retry.WithMaxElapsedTime(0),
		retry.WithNotify(func(err error, delay time.Duration) {
			slog.Info("Reconnecting", "delay", delay, "reason", err)
		}),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Connection loop ended", "error", err)
	}
	c.disconnect()
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	tlsConfig := c.config.TLS
	if tlsConfig == nil || !tlsConfig.Enabled {
		slog.Warn("Using insecure connection (TLS disabled)")
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}

	creds, err := grpctls.LoadClientCredentials(
		tlsConfig.CertFile,
		tlsConfig.KeyFile,
		tlsConfig.CAFile,
		tlsConfig.ServerNameOverride,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
}

func (c *Client) connect() error {
	slog.Info("Connecting to server", "address", c.config.ServerAddr, "agent_id", c.config.AgentID)

	opts, err := c.dialOptions()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(c.config.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	stream, err := agentrpc.NewStream(c.ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}
	frames := agentrpc.ClientFrames(stream)

	if err := c.register(frames); err != nil {
		_ = stream.CloseSend()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.frames = frames
	c.mu.Unlock()
	c.connected.Store(true)

	slog.Info("Connected to server", "address", c.config.ServerAddr)
	return nil
}

func (c *Client) register(frames *agentrpc.Frames) error {
	env, err := telemetry.NewEnvelope(telemetry.TypeRegister, c.config.AgentID, c.config.Registration)
	if err != nil {
		return err
	}
	data, err := telemetry.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := frames.WriteFrame(data); err != nil {
		return fmt.Errorf("failed to send register message: %w", err)
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := frames.ReadFrame()
		ch <- result{d, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-time.After(ackTimeout):
		return fmt.Errorf("no registration ack within %s", ackTimeout)
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	if r.err != nil {
		return fmt.Errorf("failed to receive registration ack: %w", r.err)
	}

	typ, reply, err := telemetry.DecodeReply(r.data)
	if err != nil {
		return fmt.Errorf("invalid registration reply: %w", err)
	}
	if typ == telemetry.TypeError {
		return fmt.Errorf("registration rejected: %s (%s)", reply.Error, reply.Code)
	}
	return nil
}

func (c *Client) disconnect() {
	c.connected.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		_ = c.stream.CloseSend()
		c.stream = nil
		c.frames = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) currentFrames() *agentrpc.Frames {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frames
}

func (c *Client) handleStream() error {
	done := make(chan struct{})
	errChan := make(chan error, 2)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.heartbeatLoop(done)

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
	}
	close(done)
	return err
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	frames := c.currentFrames()
	if frames == nil {
		errChan <- fmt.Errorf("stream is nil")
		return
	}

	for {
		data, err := frames.ReadFrame()
		if err != nil {
			select {
			case <-done:
			default:
				errChan <- err
			}
			return
		}

		typ, reply, err := telemetry.DecodeReply(data)
		if err != nil {
			slog.Warn("Unexpected message from server", "error", err)
			continue
		}
		if typ == telemetry.TypeError {
			slog.Warn("Server rejected message", "message_id", reply.ID, "code", reply.Code, "error", reply.Error)
			continue
		}
		slog.Debug("Ack received", "message_id", reply.ID)
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	frames := c.currentFrames()
	if frames == nil {
		errChan <- fmt.Errorf("stream is nil")
		return
	}

	for {
		select {
		case <-done:
			return
		case data := <-c.sendCh:
			if err := frames.WriteFrame(data); err != nil {
				slog.Error("Error sending message", "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := telemetry.HeartbeatMessage{Status: "ok"}
			if c.config.Heartbeat != nil {
				hb = c.config.Heartbeat()
			}
			hb.Uptime = time.Since(c.started).Seconds()

			if err := c.enqueue(telemetry.TypeHeartbeat, hb); err != nil {
				slog.Warn("Failed to queue heartbeat", "error", err)
			}
		}
	}
}
