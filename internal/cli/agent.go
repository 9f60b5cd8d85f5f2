package cli

// ============================================================================
// Agent 組裝
// 職責：
// 1. 依設定建立儲存、佇列引擎、handler registry、死信日誌與遠端連線
// 2. 把收藏功能、狀態發布與指標接到引擎上
// 3. 以 Close 依相反順序釋放所有資源
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/offline-sync/internal/config"
	"github.com/ChuLiYu/offline-sync/internal/connectivity"
	"github.com/ChuLiYu/offline-sync/internal/favorites"
	"github.com/ChuLiYu/offline-sync/internal/metrics"
	"github.com/ChuLiYu/offline-sync/internal/queue"
	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/internal/remote"
	"github.com/ChuLiYu/offline-sync/internal/status"
	"github.com/ChuLiYu/offline-sync/internal/storage"
	"github.com/ChuLiYu/offline-sync/internal/storage/journal"
)

// agent 持有一個行程內完整的同步元件
type agent struct {
	cfg    *config.Config
	logger *slog.Logger

	owner     *storage.Owner
	backend   storage.Backend
	journal   *journal.Journal
	conn      *grpc.ClientConn
	registry  *registry.Registry
	engine    *queue.Engine
	favorites *favorites.Service
	status    *status.Publisher
	metrics   *metrics.Collector
	prober    *connectivity.Prober
}

// openAgent 取得佇列獨佔權並組裝所有元件，最後載入持久化的佇列
//
// dial 可替換遠端連線方式（測試使用 bufconn），nil 表示依設定位址連線。
func openAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger, dial dialFunc) (a *agent, err error) {
	a = &agent{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if a.owner, err = storage.ClaimOwner(cfg.Storage.Driver, cfg.Storage.Path); err != nil {
		return a, err
	}
	if a.backend, err = storage.Open(cfg.Storage.Driver, cfg.Storage.Path); err != nil {
		return a, err
	}
	if cfg.Journal.Path != "" {
		if a.journal, err = journal.Open(cfg.Journal.Path, journal.WithLogger(logger)); err != nil {
			return a, err
		}
	}

	if dial == nil {
		dial = defaultDial
	}
	if a.conn, err = dial(cfg.Remote.Address); err != nil {
		return a, err
	}
	client := remote.NewClient(a.conn)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollector(reg)
	a.status = status.NewPublisher()
	a.registry = registry.New()

	a.engine = queue.New(queue.Config{
		MaxRetries:     cfg.Queue.MaxRetries,
		HandlerTimeout: cfg.Queue.HandlerTimeout.Std(),
		Backoff: queue.Backoff{
			Base: cfg.Queue.BackoffBase.Std(),
			Max:  cfg.Queue.BackoffMax.Std(),
		},
	},
		storage.NewQueueStore(a.backend, cfg.Queue.Key, logger),
		a.registry,
		queue.WithLogger(logger),
		queue.WithRecorder(a.metrics),
		queue.WithObserver(a.status),
	)

	a.favorites = favorites.NewService(
		favorites.NewStore(a.backend, logger),
		a.engine,
		client,
		favorites.Config{RollbackOnFailure: cfg.Rollback(), MaxRetries: cfg.Queue.MaxRetries},
		logger,
	)
	if err = a.favorites.Register(a.registry); err != nil {
		return a, fmt.Errorf("register handlers: %w", err)
	}
	if err = a.registry.Validate(); err != nil {
		return a, err
	}

	// 先寫死信日誌，再讓功能模組回滾
	if a.journal != nil {
		a.engine.OnTerminal(a.journal.Record)
	}
	a.engine.OnTerminal(a.favorites.HandleTerminal)

	a.prober = connectivity.NewProber(
		connectivity.GRPCHealthCheck(a.conn, remote.ServiceName),
		cfg.Sync.ProbeInterval.Std(),
		logger,
	)

	a.engine.Restore(ctx)
	return a, nil
}

// probe 以 remote.dial_timeout 為上限探測一次遠端
func (a *agent) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Remote.DialTimeout.Std())
	defer cancel()
	online := a.prober.Probe(probeCtx)
	a.metrics.SetOnline(online)
	return online
}

// Close 釋放所有資源（可重複呼叫）
func (a *agent) Close() error {
	var errs []error
	if a.prober != nil {
		a.prober.Stop()
		a.prober = nil
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
		a.conn = nil
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
		a.backend = nil
	}
	if a.owner != nil {
		errs = append(errs, a.owner.Release())
		a.owner = nil
	}
	return errors.Join(errs...)
}

// dialFunc 建立到遠端的連線
type dialFunc func(address string) (*grpc.ClientConn, error)

func defaultDial(address string) (*grpc.ClientConn, error) {
	return remote.Dial(address)
}
