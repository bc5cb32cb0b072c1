package server

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/EternisAI/silo-monitor/internal/grpc/agentrpc"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type StreamHandler struct {
	ingestor *telemetry.Ingestor
}

func NewStreamHandler(ingestor *telemetry.Ingestor) *StreamHandler {
	return &StreamHandler{ingestor: ingestor}
}

// HandleStream serves one agent stream until the agent hangs up, its session
// is closed, or the server shuts down.
func (sh *StreamHandler) HandleStream(ctx context.Context, stream agentrpc.StreamServer) error {
	remoteAddr := ""
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
	}

	err := sh.ingestor.ServeConn(ctx, agentrpc.ServerFrames(stream), remoteAddr)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, telemetry.ErrInvalidPayload), errors.Is(err, telemetry.ErrUnknownMessageType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		if stream.Context().Err() != nil {
			return nil
		}
		return status.Error(codes.Unavailable, "server shutting down")
	default:
		slog.Debug("Agent stream ended", "remote_addr", remoteAddr, "error", err)
		return status.Error(codes.Internal, err.Error())
	}
}
