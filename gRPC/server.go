package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"PiCamDetServer/monitor"
	"PiCamDetServer/stream"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type StatusSource interface {
	Status() stream.Status
}

type StatsCollector interface {
	Collect(ctx context.Context) (monitor.HostStats, error)
}

type Server struct {
	Broadcaster *stream.Broadcaster
	Loop        StatusSource
	Host        StatsCollector
	// Observe counts each call by method name; may be nil.
	Observe         func(method string)
	SnapshotTimeout time.Duration
	Log             *zap.Logger
}

var _ StreamServiceServer = (*Server)(nil)

func (s *Server) observe(method string) {
	if s.Observe != nil {
		s.Observe(method)
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Server) Snapshot(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	s.observe("Snapshot")
	timeout := s.SnapshotTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sub := s.Broadcaster.Subscribe("grpc-snapshot-" + uuid.NewString())
	defer sub.Close()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p, err := sub.Next(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "no frame available: %v", err)
	}
	return wrapperspb.Bytes(p.Data), nil
}

func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.observe("Stats")
	fields := map[string]any{
		"viewers": float64(s.Broadcaster.Subscribers()),
	}
	if s.Host != nil {
		host, err := s.Host.Collect(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "collect host stats: %v", err)
		}
		fields["cpu_percent"] = host.CPUPercent
		fields["memory_percent"] = host.MemoryPercent
		fields["memory_used_gb"] = host.MemoryUsedGB
		fields["memory_total_gb"] = host.MemoryTotalGB
		if host.CPUTemp != nil {
			fields["cpu_temp"] = *host.CPUTemp
		} else {
			fields["cpu_temp"] = nil
		}
	}
	if s.Loop != nil {
		st := s.Loop.Status()
		fields["state"] = string(st.State)
		fields["produced"] = float64(st.Produced)
		fields["placeholders"] = float64(st.Placeholders)
		fields["failures"] = float64(st.Failures)
		fields["recoveries"] = float64(st.Recoveries)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

func (s *Server) WatchDetections(_ *emptypb.Empty, srv StreamService_WatchDetectionsServer) error {
	s.observe("WatchDetections")
	sub := s.Broadcaster.Subscribe("grpc-" + uuid.NewString())
	defer sub.Close()
	ctx := srv.Context()
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) {
				return status.Error(codes.Unavailable, "stream closed")
			}
			return status.FromContextError(err).Err()
		}
		msg, err := PacketStruct(p)
		if err != nil {
			return status.Errorf(codes.Internal, "encode packet: %v", err)
		}
		if err := srv.Send(msg); err != nil {
			return err
		}
	}
}

// PacketStruct converts packet metadata to a Struct. Image bytes are left
// out; use Snapshot for those.
func PacketStruct(p *stream.Packet) (*structpb.Struct, error) {
	dets := make([]any, 0, len(p.Detections))
	for _, d := range p.Detections {
		dets = append(dets, map[string]any{
			"class_id": float64(d.ClassID),
			"label":    d.Label,
			"conf":     float64(d.Conf),
			"box": []any{
				float64(d.Box.LT.X), float64(d.Box.LT.Y),
				float64(d.Box.RB.X), float64(d.Box.RB.Y),
			},
			"center": []any{float64(d.Center.X), float64(d.Center.Y)},
		})
	}
	return structpb.NewStruct(map[string]any{
		"seq":         float64(p.Seq),
		"frame_seq":   float64(p.FrameSeq),
		"state":       string(p.State),
		"placeholder": p.Placeholder,
		"width":       float64(p.Width),
		"height":      float64(p.Height),
		"produced_at": p.ProducedAt.Format(time.RFC3339Nano),
		"detections":  dets,
	})
}

// StartGRPCServer listens on port and serves in the background. Stop it
// with GracefulStop.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s := NewGRPCServer(srv)
	go func() {
		srv.logger().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil {
			srv.logger().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func NewGRPCServer(srv *Server) *grpc.Server {
	s := grpc.NewServer()
	RegisterStreamServiceServer(s, srv)
	return s
}
