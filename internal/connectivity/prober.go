package connectivity

// ============================================================================
// 連線探測器
// 職責：定期呼叫 CheckFunc，結果寫入 Switch，產生上線/離線事件
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/offline-sync/internal/logging"
)

// CheckFunc 回傳 nil 代表遠端可達
type CheckFunc func(ctx context.Context) error

// Prober polls a CheckFunc and drives a Switch. It implements Monitor.
type Prober struct {
	*Switch

	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewProber 建立探測器；初始狀態為 offline，直到第一次探測成功
func NewProber(check CheckFunc, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{
		Switch:   NewSwitch(false),
		check:    check,
		interval: interval,
		timeout:  interval,
		logger:   logging.OrDefault(logger).With("component", "connectivity"),
		stopCh:   make(chan struct{}),
	}
}

// Start probes once synchronously and then keeps probing in the background.
func (p *Prober) Start(ctx context.Context) {
	p.Probe(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Probe runs one check and returns the resulting state.
func (p *Prober) Probe(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(checkCtx)
	online := err == nil
	if p.Set(online) {
		if online {
			p.logger.Info("remote reachable")
		} else {
			p.logger.Warn("remote unreachable", "error", err)
		}
	}
	return online
}

// Stop 停止背景探測（可重複呼叫）
func (p *Prober) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// GRPCHealthCheck checks the standard gRPC health service on conn. An empty
// service name asks about the server as a whole.
func GRPCHealthCheck(conn grpc.ClientConnInterface, service string) CheckFunc {
	client := healthpb.NewHealthClient(conn)
	return func(ctx context.Context) error {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("health status %s", resp.GetStatus())
		}
		return nil
	}
}
