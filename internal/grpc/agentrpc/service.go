// Package agentrpc defines the agent streaming service. Frames are JSON
// envelopes carried in wrapperspb.BytesValue messages, so the service needs
// no generated code of its own.
package agentrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName      = "silo.monitor.v1.AgentService"
	StreamFullMethod = "/" + ServiceName + "/Stream"
)

type (
	StreamServer = grpc.BidiStreamingServer[wrapperspb.BytesValue, wrapperspb.BytesValue]
	StreamClient = grpc.BidiStreamingClient[wrapperspb.BytesValue, wrapperspb.BytesValue]
)

type AgentServiceServer interface {
	Stream(StreamServer) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "silo/monitor/v1/agent.proto",
}

func RegisterAgentServiceServer(s grpc.ServiceRegistrar, srv AgentServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentServiceServer).Stream(&grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// NewStream opens the bidirectional agent stream on cc.
func NewStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (StreamClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ClientStream: stream}, nil
}

// Frames adapts a stream to frame reads and writes of raw envelope bytes.
type Frames struct {
	recv func() (*wrapperspb.BytesValue, error)
	send func(*wrapperspb.BytesValue) error
}

func ServerFrames(s StreamServer) *Frames {
	return &Frames{recv: s.Recv, send: s.Send}
}

func ClientFrames(s StreamClient) *Frames {
	return &Frames{recv: s.Recv, send: s.Send}
}

func (f *Frames) ReadFrame() ([]byte, error) {
	msg, err := f.recv()
	if err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (f *Frames) WriteFrame(data []byte) error {
	return f.send(wrapperspb.Bytes(data))
}
