package main

// ============================================================================
// offline-sync 示範程式
//
//   go run ./cmd/demo start           # 離線時收藏，遠端恢復後自動同步
//   go run ./cmd/demo start -crash    # 離線收藏後直接結束（模擬當機）
//   go run ./cmd/demo recover         # 重啟：從磁碟恢復佇列並同步
// ============================================================================

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/offline-sync/internal/connectivity"
	"github.com/ChuLiYu/offline-sync/internal/controller"
	"github.com/ChuLiYu/offline-sync/internal/favorites"
	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/queue"
	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/internal/remote"
	"github.com/ChuLiYu/offline-sync/internal/status"
	"github.com/ChuLiYu/offline-sync/internal/storage"
	"github.com/ChuLiYu/offline-sync/internal/storage/journal"
)

const demoUser = "demo"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [-dir path] [-crash] [-outage 2s]")
		os.Exit(1)
	}
	mode := os.Args[1]

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	dir := fs.String("dir", "demo-data", "data directory")
	crash := fs.Bool("crash", false, "exit while still offline (start mode)")
	outage := fs.Duration("outage", 2*time.Second, "how long the remote stays down (start mode)")
	verbose := fs.Bool("v", false, "debug logging")
	_ = fs.Parse(os.Args[2:])

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: "text"})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "start":
		err = runStart(ctx, logger, *dir, *outage, *crash)
	case "recover":
		err = runRecover(ctx, logger, *dir)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		log.Fatalf("demo failed: %v", err)
	}
}

// demo 組裝好的元件
type demo struct {
	srv       *remote.Server
	grpcSrv   *grpc.Server
	conn      *grpc.ClientConn
	backend   storage.Backend
	owner     *storage.Owner
	journal   *journal.Journal
	engine    *queue.Engine
	favorites *favorites.Service
	status    *status.Publisher
	prober    *connectivity.Prober
	ctrl      *controller.Controller
}

func setup(ctx context.Context, logger *slog.Logger, dir string, remoteDown bool) (*demo, error) {
	d := &demo{}

	// 遠端參考服務（本機 TCP）
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	d.srv = remote.NewServer(logger)
	d.srv.SetUnavailable(remoteDown)
	d.grpcSrv = grpc.NewServer()
	d.srv.Register(d.grpcSrv)
	go func() { _ = d.grpcSrv.Serve(lis) }()

	if d.owner, err = storage.ClaimOwner("file", dir); err != nil {
		return nil, err
	}
	if d.backend, err = storage.NewFileBackend(dir); err != nil {
		return nil, err
	}
	if d.journal, err = journal.Open(filepath.Join(dir, "deadletter.log")); err != nil {
		return nil, err
	}
	if d.conn, err = remote.Dial(lis.Addr().String()); err != nil {
		return nil, err
	}

	reg := registry.New()
	d.status = status.NewPublisher()
	d.engine = queue.New(queue.Config{MaxRetries: 3, HandlerTimeout: 2 * time.Second},
		storage.NewQueueStore(d.backend, "queue/demo", logger), reg,
		queue.WithLogger(logger), queue.WithObserver(d.status))

	d.favorites = favorites.NewService(favorites.NewStore(d.backend, logger), d.engine,
		remote.NewClient(d.conn), favorites.Config{RollbackOnFailure: true}, logger)
	if err := d.favorites.Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	d.engine.OnTerminal(d.journal.Record)
	d.engine.OnTerminal(d.favorites.HandleTerminal)

	restored := d.engine.Restore(ctx)
	fmt.Printf("✓ Queue restored from %s: %d pending action(s)\n", dir, restored)

	d.prober = connectivity.NewProber(
		connectivity.GRPCHealthCheck(d.conn, remote.ServiceName), 200*time.Millisecond, logger)
	d.ctrl = controller.New(controller.Config{PeriodicInterval: time.Second}, d.engine, d.prober, logger)
	return d, nil
}

func (d *demo) start(ctx context.Context) error {
	d.prober.Start(ctx)
	go func() {
		for s := range d.status.Subscribe(ctx) {
			fmt.Printf("   [status] %s\n", s)
		}
	}()
	return d.ctrl.Start(ctx)
}

func (d *demo) close() {
	d.ctrl.Stop()
	d.prober.Stop()
	if d.conn != nil {
		d.conn.Close()
	}
	d.grpcSrv.Stop()
	d.journal.Close()
	d.backend.Close()
	d.owner.Release()
}

// waitDrained 等待佇列清空
func (d *demo) waitDrained(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for d.engine.Len() > 0 {
		select {
		case <-ctx.Done():
			return errors.New("queue did not drain in time")
		case <-ticker.C:
		}
	}
	return nil
}

func (d *demo) printState(ctx context.Context) {
	fmt.Printf("📱 Local favorites:  %v\n", itemIDs(d.favorites.List(ctx, demoUser)))
	var remoteIDs []string
	for _, f := range d.srv.Favorites(demoUser) {
		remoteIDs = append(remoteIDs, f.ID)
	}
	fmt.Printf("☁️  Remote favorites: %v\n", remoteIDs)
	fmt.Printf("📦 Pending actions:  %d (status: %s)\n", d.engine.Len(), d.status.Current())
}

func runStart(ctx context.Context, logger *slog.Logger, dir string, outage time.Duration, crash bool) error {
	d, err := setup(ctx, logger, dir, true)
	if err != nil {
		return err
	}
	defer d.close()
	if err := d.start(ctx); err != nil {
		return err
	}

	fmt.Println("\n🔌 Remote is DOWN, favoriting while offline...")
	for _, item := range []favorites.Item{
		{ID: "film-1", Title: "Stalker"},
		{ID: "film-2", Title: "Solaris"},
		{ID: "film-3", Title: "Mirror"},
	} {
		action, err := d.favorites.Add(ctx, demoUser, item)
		if err != nil {
			return err
		}
		fmt.Printf("  + %s queued as %s\n", item.ID, action.ID)
	}
	if _, err := d.favorites.Remove(ctx, demoUser, "film-2"); err != nil {
		return err
	}
	fmt.Println("  - film-2 removed")
	d.printState(ctx)

	if crash {
		fmt.Println("\n💥 Exiting while offline. Run 'go run ./cmd/demo recover' to restart.")
		return nil
	}

	fmt.Printf("\n⏳ Remote comes back in %s...\n", outage)
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(outage):
	}
	d.srv.SetUnavailable(false)

	if err := d.waitDrained(ctx, 10*time.Second); err != nil {
		return err
	}
	fmt.Println("\n✓ Back online and synced")
	d.printState(ctx)
	return nil
}

func runRecover(ctx context.Context, logger *slog.Logger, dir string) error {
	d, err := setup(ctx, logger, dir, false)
	if err != nil {
		return err
	}
	defer d.close()

	fmt.Println("\n📋 State after restart:")
	d.printState(ctx)

	if err := d.start(ctx); err != nil {
		return err
	}
	if err := d.waitDrained(ctx, 10*time.Second); err != nil {
		return err
	}
	fmt.Println("\n✓ Recovered queue delivered, nothing lost")
	d.printState(ctx)
	return nil
}

func itemIDs(items []favorites.Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}
