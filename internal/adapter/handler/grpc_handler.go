package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
	"github.com/mselletoe/brgypuj-kiosk/internal/core/service"
)

// WorkflowServiceName is the fully-qualified gRPC service name.
const WorkflowServiceName = "kiosk.workflow.v1.WorkflowService"

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype to talk to the workflow service.
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries messages as JSON so the service needs no generated
// protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

// ---------- messages ----------

type CreateRequestMessage struct {
	Request        createRequestBody `json:"request"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type TransitionMessage struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

type BulkTransitionMessage struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

type DeleteRequestMessage struct {
	ID string `json:"id"`
}

type BulkDeleteMessage struct {
	IDs []string `json:"ids"`
}

type ListHistoryMessage struct {
	RequesterID string `json:"requester_id"`
}

type RequestReply struct {
	Request requestResponse `json:"request"`
}

type CountReply struct {
	Count int `json:"count"`
}

type EmptyReply struct{}

type HistoryReply struct {
	Entries []historyResponse `json:"entries"`
}

// WorkflowServer is the server API of WorkflowService.
type WorkflowServer interface {
	CreateRequest(context.Context, *CreateRequestMessage) (*RequestReply, error)
	Transition(context.Context, *TransitionMessage) (*RequestReply, error)
	BulkTransition(context.Context, *BulkTransitionMessage) (*CountReply, error)
	DeleteRequest(context.Context, *DeleteRequestMessage) (*EmptyReply, error)
	BulkDelete(context.Context, *BulkDeleteMessage) (*CountReply, error)
	ListHistory(context.Context, *ListHistoryMessage) (*HistoryReply, error)
}

// WorkflowServiceDesc is registered with grpc.Server.RegisterService.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateRequest", WorkflowServer.CreateRequest),
		unary("Transition", WorkflowServer.Transition),
		unary("BulkTransition", WorkflowServer.BulkTransition),
		unary("DeleteRequest", WorkflowServer.DeleteRequest),
		unary("BulkDelete", WorkflowServer.BulkDelete),
		unary("ListHistory", WorkflowServer.ListHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kiosk/workflow/v1/workflow.proto",
}

func unary[Req, Resp any](method string, call func(WorkflowServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorkflowServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + WorkflowServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(WorkflowServer), ctx, req.(*Req))
			})
		},
	}
}

// RegisterWorkflowServer registers srv on s.
func RegisterWorkflowServer(s grpc.ServiceRegistrar, srv WorkflowServer) {
	s.RegisterService(&WorkflowServiceDesc, srv)
}

// ---------- server ----------

type GRPCHandler struct {
	workflow *service.WorkflowService
	log      logrus.FieldLogger
}

func NewGRPCHandler(workflow *service.WorkflowService, log logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{workflow: workflow, log: log.WithField("handler", "grpc")}
}

func (h *GRPCHandler) CreateRequest(ctx context.Context, req *CreateRequestMessage) (*RequestReply, error) {
	in, err := req.Request.toInput(req.IdempotencyKey)
	if err != nil {
		return nil, h.toStatus(err)
	}
	created, err := h.workflow.Create(ctx, in)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &RequestReply{Request: toRequestResponse(created)}, nil
}

func (h *GRPCHandler) Transition(ctx context.Context, req *TransitionMessage) (*RequestReply, error) {
	action, err := domain.ParseAction(req.Action)
	if err != nil {
		return nil, h.toStatus(err)
	}
	updated, err := h.workflow.Transition(ctx, req.ID, action)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &RequestReply{Request: toRequestResponse(updated)}, nil
}

func (h *GRPCHandler) BulkTransition(ctx context.Context, req *BulkTransitionMessage) (*CountReply, error) {
	action, err := domain.ParseAction(req.Action)
	if err != nil {
		return nil, h.toStatus(err)
	}
	n, err := h.workflow.BulkTransition(ctx, req.IDs, action)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &CountReply{Count: n}, nil
}

func (h *GRPCHandler) DeleteRequest(ctx context.Context, req *DeleteRequestMessage) (*EmptyReply, error) {
	if err := h.workflow.Delete(ctx, req.ID); err != nil {
		return nil, h.toStatus(err)
	}
	return &EmptyReply{}, nil
}

func (h *GRPCHandler) BulkDelete(ctx context.Context, req *BulkDeleteMessage) (*CountReply, error) {
	n, err := h.workflow.BulkDelete(ctx, req.IDs)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &CountReply{Count: n}, nil
}

func (h *GRPCHandler) ListHistory(ctx context.Context, req *ListHistoryMessage) (*HistoryReply, error) {
	entries, err := h.workflow.ListHistory(ctx, req.RequesterID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyResponse{
			ID:                     e.ID,
			TransactionCode:        e.TransactionCode,
			Kind:                   e.Kind,
			DisplayName:            e.DisplayName,
			RequesterID:            e.RequesterID,
			SnapshottedIdentityUID: e.SnapshottedIdentityUID,
			Outcome:                e.Outcome,
			RecordedAt:             e.RecordedAt,
		})
	}
	return &HistoryReply{Entries: out}, nil
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrInsufficientStock):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrDuplicatePending),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrItemInUse):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrCapacityExhausted):
		return codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func (h *GRPCHandler) toStatus(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		h.log.WithError(err).Error("rpc failed")
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
