package server

// ============================================================================
// bbqueue gRPC 服務
// 職責：
// 1. 讓本機工具（bbqueue append / status）與 metadata 層透過 gRPC 操作 WRKQMGR
// 2. AppendRequest 追加 async request 到共享 journal
// 3. SetThrottleRate / SetSuspended 調整 volume 佇列
// 4. GetStatus 返回 manager 狀態（JSON）
//
// 訊息型別只使用 protobuf well-known types（structpb、wrapperspb、emptypb），
// 服務描述以 grpc.ServiceDesc 直接註冊，不需要產生的程式碼。
// ============================================================================

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// ServiceName 是 gRPC 服務全名
const ServiceName = "bbqueue.v1.QueueService"

// QueueServer 是 QueueService 的伺服端介面
type QueueServer interface {
	AppendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SetThrottleRate(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	SetSuspended(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error)
	GetStatus(ctx context.Context, in *emptypb.Empty) (*wrapperspb.BytesValue, error)
}

// Server implements QueueServer on top of a work queue manager.
type Server struct {
	mgr    *wrkqmgr.Manager
	logger *log.Entry
	grpc   *grpc.Server
}

var _ QueueServer = (*Server)(nil)

// NewServer creates a new gRPC server instance.
func NewServer(mgr *wrkqmgr.Manager) *Server {
	s := &Server{
		mgr:    mgr,
		logger: log.WithField("component", "server"),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	RegisterQueueServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.WithField("addr", lis.Addr().String()).Info("gRPC server listening")
	return s.grpc.Serve(lis)
}

// Stop stops the server after in-flight calls finish.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := s.logger.WithFields(log.Fields{"method": info.FullMethod, "duration": time.Since(start)})
	if err != nil {
		entry.WithError(err).Warn("rpc failed")
	} else {
		entry.Debug("rpc done")
	}
	return resp, err
}

// AppendRequest appends a command from this server to the journal.
//
// 參數欄位：verb（必填）、job_id、job_step_id、handle、contrib_id、
// cancel_scope、str1、str2
//
// 返回值：seq、offset
func (s *Server) AppendRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cmd, err := commandFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	pos, err := s.mgr.AppendCommand(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"seq":    pos.Seq,
		"offset": float64(pos.Offset),
	})
}

// SetThrottleRate sets the transfer rate of one volume queue.
func (s *Server) SetThrottleRate(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	key, err := keyFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rate, err := uintField(in, "rate", math.MaxUint64)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.mgr.SetThrottleRate(key, rate); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// SetSuspended suspends or resumes one volume queue and reports whether the
// state changed.
func (s *Server) SetSuspended(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	key, err := keyFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	suspend := in.GetFields()["suspended"].GetBoolValue()
	rc, err := s.mgr.SetSuspended(wrkqmgr.Held{}, key, suspend)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(rc == wrkqmgr.SuspendChanged), nil
}

// GetStatus returns the manager status as JSON.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(s.mgr.Status())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

// ============================================================================
// Helpers
// ============================================================================

func toStatus(err error) error {
	switch cause := errors.Cause(err); cause {
	case wrkqmgr.ErrQueueNotFound:
		return status.Error(codes.NotFound, err.Error())
	case wrkqmgr.ErrQueueExists:
		return status.Error(codes.AlreadyExists, err.Error())
	case journal.ErrRecordTooLarge, journal.ErrMalformedRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case journal.ErrClosed:
		return status.Error(codes.Unavailable, err.Error())
	case context.Canceled:
		return status.Error(codes.Canceled, err.Error())
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// uintField reads a non-negative integer sent as a number or a decimal
// string. Missing fields are 0.
func uintField(in *structpb.Struct, name string, max uint64) (uint64, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f < 0 || f != math.Trunc(f) || f > float64(max) {
			return 0, errors.Errorf("%s: %v is not a valid value", name, f)
		}
		return uint64(f), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil || n > max {
			return 0, errors.Errorf("%s: %q is not a valid value", name, k.StringValue)
		}
		return n, nil
	}
	return 0, errors.Errorf("%s: unsupported value type", name)
}

func commandFromStruct(in *structpb.Struct) (journal.Command, error) {
	f := in.GetFields()
	cmd := journal.Command{
		Verb: f["verb"].GetStringValue(),
		Str1: f["str1"].GetStringValue(),
		Str2: f["str2"].GetStringValue(),
	}
	if cmd.Verb == "" {
		return cmd, errors.New("verb is required")
	}
	var err error
	for name, p := range map[string]*uint64{
		"job_id":       &cmd.JobID,
		"job_step_id":  &cmd.JobStepID,
		"handle":       &cmd.Handle,
		"cancel_scope": &cmd.CancelScope,
	} {
		if *p, err = uintField(in, name, math.MaxUint64); err != nil {
			return cmd, err
		}
	}
	contrib, err := uintField(in, "contrib_id", math.MaxUint32)
	if err != nil {
		return cmd, err
	}
	cmd.ContribID = uint32(contrib)
	return cmd, nil
}

func keyFromStruct(in *structpb.Struct) (types.LVKey, error) {
	f := in.GetFields()
	key := types.LVKey{
		Connection: f["connection"].GetStringValue(),
		UUID:       f["uuid"].GetStringValue(),
	}
	if key.UUID == "" {
		return key, errors.New("uuid is required")
	}
	return key, nil
}

// ============================================================================
// Service registration
// ============================================================================

// RegisterQueueServer registers srv on s.
func RegisterQueueServer(s grpc.ServiceRegistrar, srv QueueServer) {
	s.RegisterService(&queueServiceDesc, srv)
}

var queueServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendRequest", Handler: appendRequestHandler},
		{MethodName: "SetThrottleRate", Handler: setThrottleRateHandler},
		{MethodName: "SetSuspended", Handler: setSuspendedHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bbqueue/v1/queue.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func appendRequestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServer).AppendRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("AppendRequest")}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServer).AppendRequest(ctx, req.(*structpb.Struct))
	})
}

func setThrottleRateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServer).SetThrottleRate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("SetThrottleRate")}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServer).SetThrottleRate(ctx, req.(*structpb.Struct))
	})
}

func setSuspendedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServer).SetSuspended(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("SetSuspended")}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServer).SetSuspended(ctx, req.(*structpb.Struct))
	})
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueueServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetStatus")}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueueServer).GetStatus(ctx, req.(*emptypb.Empty))
	})
}
