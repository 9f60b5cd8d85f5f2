package remote

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// startServer 在 bufconn 上啟動伺服器並回傳客戶端
func startServer(t *testing.T) (*Server, *Client, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(logging.Nop())
	g := grpc.NewServer()
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, NewClient(conn), conn
}

func action(id string, at types.ActionType, payload string) types.QueuedAction {
	return types.QueuedAction{
		ID:      types.ActionID(id),
		Type:    at,
		Payload: json.RawMessage(payload),
	}
}

func TestApplyAddRemoveSync(t *testing.T) {
	srv, client, _ := startServer(t)
	ctx := context.Background()

	_, err := client.Apply(ctx, action("a1", types.ActionAddFavorite,
		`{"userId":1,"item":{"id":"42","title":"Answer","addedAt":1700000000000}}`))
	require.NoError(t, err)
	_, err = client.Apply(ctx, action("a2", types.ActionAddFavorite, `{"userId":"1","item":{"id":"7"}}`))
	require.NoError(t, err)

	items, err := client.ListFavorites(ctx, "1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, Favorite{ID: "42", Title: "Answer", AddedAt: 1700000000000}, items[0])
	assert.Equal(t, "7", items[1].ID)

	_, err = client.Apply(ctx, action("a3", types.ActionRemoveFavorite, `{"userId":"1","itemId":"42"}`))
	require.NoError(t, err)
	assert.Len(t, srv.Favorites("1"), 1)

	_, err = client.Apply(ctx, action("a4", types.ActionSyncFavorites,
		`{"userId":"1","items":[{"id":"100"},{"id":"200"}]}`))
	require.NoError(t, err)
	items, err = client.ListFavorites(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []Favorite{{ID: "100"}, {ID: "200"}}, items)
}

func TestApplyIdempotentByID(t *testing.T) {
	srv, client, _ := startServer(t)
	a := action("dup", types.ActionAddFavorite, `{"userId":"u","item":{"id":"1"}}`)

	res, err := client.Apply(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = client.Apply(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 2, srv.Calls())
	assert.Len(t, srv.Favorites("u"), 1)
}

func TestApplyPermanentErrors(t *testing.T) {
	_, client, _ := startServer(t)
	tests := []struct {
		name   string
		action types.QueuedAction
		code   codes.Code
	}{
		{"missing user", action("p1", types.ActionAddFavorite, `{"item":{"id":"1"}}`), codes.InvalidArgument},
		{"missing item", action("p2", types.ActionAddFavorite, `{"userId":"u"}`), codes.InvalidArgument},
		{"missing item id", action("p3", types.ActionRemoveFavorite, `{"userId":"u"}`), codes.InvalidArgument},
		{"unknown type", action("p4", "RENAME_FAVORITE", `{"userId":"u"}`), codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Apply(context.Background(), tt.action)
			require.Error(t, err)
			assert.True(t, registry.IsPermanent(err))
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestApplyUnavailableIsRetryable(t *testing.T) {
	srv, client, conn := startServer(t)
	srv.SetUnavailable(true)

	_, err := client.Apply(context.Background(), action("u1", types.ActionAddFavorite, `{"userId":"u","item":{"id":"1"}}`))
	require.Error(t, err)
	assert.False(t, registry.IsPermanent(err))
	assert.Equal(t, types.OutcomeRetry, registry.Classify(err))

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	srv.SetUnavailable(false)
	_, err = client.Apply(context.Background(), action("u1", types.ActionAddFavorite, `{"userId":"u","item":{"id":"1"}}`))
	assert.NoError(t, err)
}

func TestRegisterKeepsUnavailableHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(logging.Nop())
	srv.SetUnavailable(true)
	g := grpc.NewServer()
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestListFavoritesEmpty(t *testing.T) {
	_, client, _ := startServer(t)
	items, err := client.ListFavorites(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = client.ListFavorites(context.Background(), "")
	assert.True(t, registry.IsPermanent(err))
}

func TestIsPermanentCode(t *testing.T) {
	assert.True(t, IsPermanentCode(codes.FailedPrecondition))
	assert.True(t, IsPermanentCode(codes.PermissionDenied))
	assert.False(t, IsPermanentCode(codes.Unavailable))
	assert.False(t, IsPermanentCode(codes.DeadlineExceeded))
	assert.False(t, IsPermanentCode(codes.Internal))
}
