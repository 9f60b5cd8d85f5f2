package integration

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/offline-sync/internal/favorites"
	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/queue"
	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/internal/remote"
	"github.com/ChuLiYu/offline-sync/internal/status"
	"github.com/ChuLiYu/offline-sync/internal/storage"
	"github.com/ChuLiYu/offline-sync/internal/storage/journal"
)

const queueKey = "queue/integration"

// startRemote 在 bufconn 上啟動參考遠端服務，回傳伺服器與客戶端連線
func startRemote(t *testing.T) (*remote.Server, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := remote.NewServer(logging.Nop())
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
	return srv, conn
}

// node 一個裝置上的完整同步堆疊（不含控制器）
type node struct {
	engine    *queue.Engine
	favorites *favorites.Service
	status    *status.Publisher
	journal   *journal.Journal
}

func newNode(t *testing.T, backend storage.Backend, conn grpc.ClientConnInterface, journalPath string) *node {
	t.Helper()
	logger := logging.Nop()

	reg := registry.New()
	pub := status.NewPublisher()
	engine := queue.New(queue.DefaultConfig(), storage.NewQueueStore(backend, queueKey, logger), reg,
		queue.WithLogger(logger), queue.WithObserver(pub))

	svc := favorites.NewService(favorites.NewStore(backend, logger), engine, remote.NewClient(conn),
		favorites.Config{RollbackOnFailure: true}, logger)
	require.NoError(t, svc.Register(reg))
	require.NoError(t, reg.Validate())

	n := &node{engine: engine, favorites: svc, status: pub}
	if journalPath != "" {
		j, err := journal.Open(journalPath)
		require.NoError(t, err)
		t.Cleanup(func() { j.Close() })
		n.journal = j
		engine.OnTerminal(j.Record)
	}
	engine.OnTerminal(svc.HandleTerminal)

	engine.Restore(context.Background())
	return n
}

func remoteIDs(srv *remote.Server, user string) []string {
	var ids []string
	for _, f := range srv.Favorites(user) {
		ids = append(ids, f.ID)
	}
	return ids
}

func localIDs(n *node, user string) []string {
	var ids []string
	for _, it := range n.favorites.List(context.Background(), user) {
		ids = append(ids, it.ID)
	}
	return ids
}
