package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hse-approvals/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "hse.approvals.v1.ApprovalService"

// ApprovalServiceServer is the server API for the approval service. Messages
// are google.protobuf.Struct so other platform services can call it without
// a generated client.
type ApprovalServiceServer interface {
	GetFlowView(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Act(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingTasks(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetFlowView", Handler: unaryHandler("GetFlowView", ApprovalServiceServer.GetFlowView)},
		{MethodName: "Act", Handler: unaryHandler("Act", ApprovalServiceServer.Act)},
		{MethodName: "PendingTasks", Handler: unaryHandler("PendingTasks", ApprovalServiceServer.PendingTasks)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hse/approvals/v1/approvals.proto",
}

type structMethod func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call structMethod) grpc.MethodHandler {
	fullMethod := "/" + ApprovalServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	service *service.ApprovalService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(service *service.ApprovalService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: service,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

type getFlowViewInput struct {
	RequestID string `json:"request_id"`
}

// GetFlowView returns the projected flow of one request
func (h *GRPCHandler) GetFlowView(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getFlowViewInput
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.RequestID == "" {
		return nil, toStatus(errors.InvalidInput("request_id", "request_id is required"))
	}

	view, err := h.service.View(ctx, auth.CurrentActor(ctx), req.RequestID)
	if err != nil {
		return nil, h.fail("GetFlowView", err)
	}
	return encodeStruct(view)
}

type actInput struct {
	RequestID string `json:"request_id"`
	Level     int    `json:"level"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment"`
}

// Act records an approve or reject decision
func (h *GRPCHandler) Act(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req actInput
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}

	h.logger.Info().
		Str("request_id", req.RequestID).
		Int("level", req.Level).
		Str("decision", req.Decision).
		Msg("gRPC Act called")

	view, err := h.service.Act(ctx, auth.CurrentActor(ctx), req.RequestID, req.Level, approval.Decision(req.Decision), req.Comment)
	if err != nil {
		return nil, h.fail("Act", err)
	}
	return encodeStruct(view)
}

// PendingTasks lists the requests awaiting the caller's decision
func (h *GRPCHandler) PendingTasks(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tasks, err := h.service.PendingTasks(ctx, auth.CurrentActor(ctx))
	if err != nil {
		return nil, h.fail("PendingTasks", err)
	}
	if tasks == nil {
		tasks = []service.Task{}
	}
	return encodeStruct(map[string]interface{}{"tasks": tasks})
}

func (h *GRPCHandler) fail(method string, err error) error {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return toStatus(err)
}

func toStatus(err error) error {
	return status.Error(errors.GRPCCode(err), err.Error())
}

// decodeStruct maps a Struct onto a Go value through its JSON form.
func decodeStruct(in *structpb.Struct, out interface{}) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request message")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request message")
	}
	return nil
}

func encodeStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, toStatus(errors.Wrap(err, errors.ErrCodeInternal, "encode response"))
	}
	return out, nil
}
