package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dialWorkflow(t *testing.T, s *testServices) *grpc.ClientConn {
	t.Helper()

	log, _ := test.NewNullLogger()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterWorkflowServer(srv, NewGRPCHandler(s.workflow, log))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(JSONCodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke[Resp any](t *testing.T, conn *grpc.ClientConn, method string, in any) (*Resp, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := new(Resp)
	err := conn.Invoke(ctx, "/"+WorkflowServiceName+"/"+method, in, out)
	return out, err
}

func createMessage(requesterID, itemID string, qty int) *CreateRequestMessage {
	borrow := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	ret := borrow.Add(48 * time.Hour)
	return &CreateRequestMessage{
		Request: createRequestBody{
			Kind:         "equipment",
			RequesterID:  &requesterID,
			BorrowerName: "Juan Dela Cruz",
			BorrowDate:   &borrow,
			ReturnDate:   &ret,
			Items:        []lineItemBody{{ItemID: itemID, Quantity: qty}},
		},
	}
}

func TestGRPCHandler_Lifecycle(t *testing.T) {
	s := newTestServices(t)
	tent := s.seedItem(t, "Tent", 5, "500")
	conn := dialWorkflow(t, s)

	created, err := invoke[RequestReply](t, conn, "CreateRequest", createMessage("7", tent, 2))
	require.NoError(t, err)
	assert.Equal(t, "Pending", string(created.Request.Status))
	assert.Equal(t, "2000", created.Request.TotalCost.String())
	id := created.Request.ID

	for _, action := range []string{"approve", "pickup", "return"} {
		reply, err := invoke[RequestReply](t, conn, "Transition", &TransitionMessage{ID: id, Action: action})
		require.NoError(t, err, action)
		assert.Equal(t, id, reply.Request.ID)
	}

	history, err := invoke[HistoryReply](t, conn, "ListHistory", &ListHistoryMessage{RequesterID: "7"})
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, created.Request.TransactionCode, history.Entries[0].TransactionCode)
	assert.Equal(t, "Completed", string(history.Entries[0].Outcome))

	_, err = invoke[EmptyReply](t, conn, "DeleteRequest", &DeleteRequestMessage{ID: id})
	require.NoError(t, err)
	assert.Equal(t, 5, s.available(t, tent))

	history, err = invoke[HistoryReply](t, conn, "ListHistory", &ListHistoryMessage{RequesterID: "7"})
	require.NoError(t, err)
	assert.Len(t, history.Entries, 1, "history outlives the request")
}

func TestGRPCHandler_Bulk(t *testing.T) {
	s := newTestServices(t)
	tent := s.seedItem(t, "Tent", 5, "500")
	conn := dialWorkflow(t, s)

	var ids []string
	for _, requester := range []string{"1", "2", "3"} {
		reply, err := invoke[RequestReply](t, conn, "CreateRequest", createMessage(requester, tent, 1))
		require.NoError(t, err)
		ids = append(ids, reply.Request.ID)
	}

	count, err := invoke[CountReply](t, conn, "BulkTransition", &BulkTransitionMessage{IDs: ids, Action: "reject"})
	require.NoError(t, err)
	assert.Equal(t, 3, count.Count)
	assert.Equal(t, 5, s.available(t, tent))

	count, err = invoke[CountReply](t, conn, "BulkDelete", &BulkDeleteMessage{IDs: append(ids, "missing")})
	require.NoError(t, err)
	assert.Equal(t, 3, count.Count)
}

func TestGRPCHandler_StatusCodes(t *testing.T) {
	s := newTestServices(t)
	tent := s.seedItem(t, "Tent", 5, "500")
	conn := dialWorkflow(t, s)

	created, err := invoke[RequestReply](t, conn, "CreateRequest", createMessage("7", tent, 1))
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		in     any
		want   codes.Code
	}{
		{"missing request", "Transition", &TransitionMessage{ID: "missing", Action: "approve"}, codes.NotFound},
		{"illegal action", "Transition", &TransitionMessage{ID: created.Request.ID, Action: "release"}, codes.FailedPrecondition},
		{"unknown action", "Transition", &TransitionMessage{ID: created.Request.ID, Action: "fly"}, codes.InvalidArgument},
		{"duplicate pending", "CreateRequest", createMessage("7", tent, 1), codes.AlreadyExists},
		{"oversell", "CreateRequest", createMessage("8", tent, 9), codes.FailedPrecondition},
		{"unknown requester", "CreateRequest", createMessage("ghost-999", tent, 1), codes.NotFound},
		{"unknown kind", "CreateRequest", &CreateRequestMessage{Request: createRequestBody{Kind: "permit"}}, codes.InvalidArgument},
		{"missing delete", "DeleteRequest", &DeleteRequestMessage{ID: "missing"}, codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invoke[RequestReply](t, conn, tt.method, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err), err.Error())
		})
	}
}

func TestGRPCCode_Internal(t *testing.T) {
	assert.Equal(t, codes.Internal, grpcCode(assert.AnError))
	assert.Equal(t, codes.Canceled, grpcCode(context.Canceled))
}
