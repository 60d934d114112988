package fleetstatus

import "google.golang.org/grpc"

// StatusOverride is one administrative status change pushed by fleet
// administration tooling.
type StatusOverride struct {
	VehicleId string
	Status    string
	Reason    string
	Ts        int64
}

// Ack is returned when the stream closes.
type Ack struct {
	Applied int64
	Refused int64
}

// FleetStatusServer defines the gRPC contract.
type FleetStatusServer interface {
	StreamOverrides(FleetStatus_StreamOverridesServer) error
}

// RegisterFleetStatusServer registers the service implementation.
func RegisterFleetStatusServer(s *grpc.Server, srv FleetStatusServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "fleetstatus.FleetStatus",
		HandlerType: (*FleetStatusServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamOverrides",
			Handler:       _FleetStatus_StreamOverrides_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// FleetStatus_StreamOverridesServer defines the client-stream interface.
type FleetStatus_StreamOverridesServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*StatusOverride, error)
}

func _FleetStatus_StreamOverrides_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(FleetStatusServer).StreamOverrides(&statusStreamServer{ServerStream: stream})
}

type statusStreamServer struct {
	grpc.ServerStream
}

func (s *statusStreamServer) SendAndClose(ack *Ack) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *statusStreamServer) Recv() (*StatusOverride, error) {
	msg := new(StatusOverride)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
