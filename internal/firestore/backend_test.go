package firestore

import (
	"context"
	"net"
	"sync"
	"testing"

	firestorepb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// fakeBackend is an in-process Firestore speaking just enough of the v1
// API for the connectivity test: a streamed aggregation response and a
// listen exchange that acknowledges each added target.
type fakeBackend struct {
	firestorepb.UnimplementedFirestoreServer

	// aggResponses is how many responses the aggregation stream sends.
	aggResponses int

	// listenPayloads is how many target-change messages follow an
	// add-target request.
	listenPayloads int

	mu      sync.Mutex
	targets []*firestorepb.ListenRequest
}

func (b *fakeBackend) RunAggregationQuery(req *firestorepb.RunAggregationQueryRequest, stream firestorepb.Firestore_RunAggregationQueryServer) error {
	for i := 0; i < b.aggResponses; i++ {
		resp := &firestorepb.RunAggregationQueryResponse{
			Result: &firestorepb.AggregationResult{
				AggregateFields: map[string]*firestorepb.Value{
					"count": {ValueType: &firestorepb.Value_IntegerValue{IntegerValue: 0}},
				},
			},
			ReadTime: timestamppb.Now(),
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) Listen(stream firestorepb.Firestore_ListenServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.targets = append(b.targets, req)
	payloads := b.listenPayloads
	b.mu.Unlock()

	targetID := req.GetAddTarget().GetTargetId()
	for i := 0; i < payloads; i++ {
		resp := &firestorepb.ListenResponse{
			ResponseType: &firestorepb.ListenResponse_TargetChange{
				TargetChange: &firestorepb.TargetChange{
					TargetChangeType: firestorepb.TargetChange_ADD,
					TargetIds:        []int32{targetID},
					ReadTime:         timestamppb.Now(),
				},
			},
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}

	<-stream.Context().Done()
	return nil
}

func (b *fakeBackend) addedTargets() []*firestorepb.ListenRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*firestorepb.ListenRequest(nil), b.targets...)
}

func startBackend(t *testing.T, backend *fakeBackend) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	firestorepb.RegisterFirestoreServer(server, backend)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func testConfig() Config {
	return Config{
		Host:       "bufnet",
		ProjectID:  "demo-project",
		DatabaseID: "(default)",
		Collection: "connectivity_probes",
		Plaintext:  true,
	}
}
