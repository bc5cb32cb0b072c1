package main

import (
	"context"
	"flag"
	"io"
	"log"
	"time"

	"github.com/EternisAI/silo-monitor/internal/grpc/agentrpc"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	address    = flag.String("address", "localhost:9090", "gRPC server address")
	agentID    = flag.String("agent-id", "test-agent-1", "Agent ID for this connection")
	heartbeats = flag.Int("heartbeats", 3, "Number of heartbeat messages to send")
	delay      = flag.Duration("delay", 2*time.Second, "Delay between heartbeat messages")
	invalid    = flag.Bool("invalid", false, "Also send an out of range metric to exercise error replies")
)

func main() {
	flag.Parse()

	log.Printf("Connecting to gRPC server at %s", *address)

	conn, err := grpc.NewClient(*address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stream, err := agentrpc.NewStream(ctx, conn)
	if err != nil {
		log.Fatalf("Failed to create stream: %v", err)
	}
	frames := agentrpc.ClientFrames(stream)

	log.Printf("Stream created, registering agent_id=%s", *agentID)

	send(frames, telemetry.TypeRegister, telemetry.RegisterMessage{
		Capabilities: []string{"metrics", "logs"},
		Labels:       map[string]string{"source": "test-client"},
	})

	done := make(chan struct{})
	errChan := make(chan error, 1)

	go receiveMessages(frames, done, errChan)

	send(frames, telemetry.TypeLog, logstream.LogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     logstream.LevelInfo,
		Source:    "test-client",
		Message:   "test client connected",
	})
	send(frames, telemetry.TypeMetric, telemetry.MetricSample{
		Timestamp: time.Now().UTC(),
		CPU:       telemetry.CPUReading{UsagePercent: 12.5, Cores: 4},
		Memory:    telemetry.MemoryReading{Total: 8 << 30, Used: 2 << 30, UsagePercent: 25},
	})
	if *invalid {
		send(frames, telemetry.TypeMetric, telemetry.MetricSample{
			Timestamp: time.Now().UTC(),
			CPU:       telemetry.CPUReading{UsagePercent: 250},
		})
	}

	sendHeartbeats(frames, *heartbeats, *delay)

	if err := stream.CloseSend(); err != nil {
		log.Printf("Error closing send: %v", err)
	}

	select {
	case err := <-errChan:
		if err != nil && err != io.EOF {
			log.Printf("Receive error: %v", err)
		}
	case <-time.After(5 * time.Second):
		log.Println("Timeout waiting for responses")
	}

	close(done)
	log.Println("Test client finished")
}

func send(frames *agentrpc.Frames, typ telemetry.MessageType, payload any) {
	env, err := telemetry.NewEnvelope(typ, *agentID, payload)
	if err != nil {
		log.Fatalf("Failed to build %s message: %v", typ, err)
	}
	data, err := telemetry.EncodeEnvelope(env)
	if err != nil {
		log.Fatalf("Failed to encode %s message: %v", typ, err)
	}
	if err := frames.WriteFrame(data); err != nil {
		log.Fatalf("Failed to send %s message: %v", typ, err)
	}
	log.Printf("Sent %s id=%s", typ, env.ID)
}

func receiveMessages(frames *agentrpc.Frames, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			data, err := frames.ReadFrame()
			if err != nil {
				errChan <- err
				return
			}

			typ, reply, err := telemetry.DecodeReply(data)
			if err != nil {
				log.Printf("Received undecodable frame: %v", err)
				continue
			}
			switch typ {
			case telemetry.TypeAck:
				log.Printf("Received ack id=%s", reply.ID)
			case telemetry.TypeError:
				log.Printf("Received error id=%s code=%s error=%s", reply.ID, reply.Code, reply.Error)
			}
		}
	}
}

func sendHeartbeats(frames *agentrpc.Frames, count int, delay time.Duration) {
	start := time.Now()
	for i := 0; i < count; i++ {
		time.Sleep(delay)
		send(frames, telemetry.TypeHeartbeat, telemetry.HeartbeatMessage{
			Status: "ok",
			Uptime: time.Since(start).Seconds(),
		})
	}
}
