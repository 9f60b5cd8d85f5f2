package remote

// ============================================================================
// 參考用遠端伺服器（記憶體版收藏儲存）
// 職責：
// 1. 依動作 ID 去重，重複送達回傳 duplicate=true
// 2. 以集合語意套用 ADD / REMOVE / SYNC（本身即為冪等）
// 3. 提供健康檢查與故障注入（SetUnavailable）
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Server 記憶體版遠端收藏服務
type Server struct {
	mu          sync.Mutex
	favorites   map[string]map[string]Favorite // userId -> itemId -> item
	seen        map[string]struct{}            // 已套用的動作 ID
	calls       int
	unavailable bool

	health *health.Server
	logger *slog.Logger
}

// NewServer 建立空的伺服器
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		favorites: make(map[string]map[string]Favorite),
		seen:      make(map[string]struct{}),
		health:    health.NewServer(),
		logger:    logging.OrDefault(logger).With("component", "remote_server"),
	}
}

// Register installs the mutation and health services on g.
func (s *Server) Register(g *grpc.Server) {
	RegisterMutationServer(g, s)
	healthpb.RegisterHealthServer(g, s.health)

	s.mu.Lock()
	down := s.unavailable
	s.mu.Unlock()
	s.setHealth(down)
}

// Serve 在 lis 上提供服務直到 ctx 結束
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	s.Register(g)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()
	s.logger.Info("remote store listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		g.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// SetUnavailable makes Apply fail with codes.Unavailable and flips the health
// status, simulating an outage.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	s.unavailable = down
	s.mu.Unlock()
	s.setHealth(down)
}

func (s *Server) setHealth(down bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if down {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Calls 回傳 Apply 被呼叫的次數（含失敗與重複）
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Favorites 回傳使用者目前的收藏（依 ID 排序）
func (s *Server) Favorites(userID string) []Favorite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(userID)
}

// Apply 套用一個動作
func (s *Server) Apply(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.unavailable {
		return nil, status.Error(codes.Unavailable, "remote store unavailable")
	}

	fields := req.AsMap()
	id, _ := fields["id"].(string)
	actionType, _ := fields["type"].(string)
	payload, _ := fields["payload"].(map[string]any)
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "missing action id")
	}
	if _, dup := s.seen[id]; dup {
		s.logger.Debug("duplicate delivery", "action_id", id)
		return structpb.NewStruct(map[string]any{"applied": true, "duplicate": true})
	}
	if payload == nil {
		return nil, status.Errorf(codes.InvalidArgument, "action %s: missing payload", id)
	}
	userID := stringField(payload["userId"])
	if userID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "action %s: missing userId", id)
	}

	switch types.ActionType(actionType) {
	case types.ActionAddFavorite:
		item, err := decodeFavorite(payload["item"])
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "action %s: %v", id, err)
		}
		s.userSet(userID)[item.ID] = item

	case types.ActionRemoveFavorite:
		itemID := stringField(payload["itemId"])
		if itemID == "" {
			return nil, status.Errorf(codes.InvalidArgument, "action %s: missing itemId", id)
		}
		delete(s.userSet(userID), itemID)

	case types.ActionSyncFavorites:
		list, _ := payload["items"].([]any)
		set := make(map[string]Favorite, len(list))
		for _, raw := range list {
			item, err := decodeFavorite(raw)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "action %s: %v", id, err)
			}
			set[item.ID] = item
		}
		s.favorites[userID] = set

	default:
		return nil, status.Errorf(codes.Unimplemented, "action type %q not supported", actionType)
	}

	s.seen[id] = struct{}{}
	s.logger.Debug("action applied", "action_id", id, "type", actionType, "user", userID)
	return structpb.NewStruct(map[string]any{"applied": true, "duplicate": false})
}

// ListFavorites 列出收藏
func (s *Server) ListFavorites(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := stringField(req.AsMap()["userId"])
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing userId")
	}

	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return nil, status.Error(codes.Unavailable, "remote store unavailable")
	}
	items := s.listLocked(userID)
	s.mu.Unlock()

	list := make([]any, 0, len(items))
	for _, it := range items {
		list = append(list, map[string]any{
			"id":      it.ID,
			"title":   it.Title,
			"addedAt": float64(it.AddedAt),
		})
	}
	return structpb.NewStruct(map[string]any{"items": list})
}

func (s *Server) userSet(userID string) map[string]Favorite {
	set, ok := s.favorites[userID]
	if !ok {
		set = make(map[string]Favorite)
		s.favorites[userID] = set
	}
	return set
}

func (s *Server) listLocked(userID string) []Favorite {
	out := make([]Favorite, 0, len(s.favorites[userID]))
	for _, it := range s.favorites[userID] {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func decodeFavorite(raw any) (Favorite, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Favorite{}, fmt.Errorf("item must be an object")
	}
	item := Favorite{ID: stringField(m["id"])}
	if item.ID == "" {
		return Favorite{}, fmt.Errorf("item missing id")
	}
	item.Title, _ = m["title"].(string)
	if n, ok := m["addedAt"].(float64); ok {
		item.AddedAt = int64(n)
	}
	return item, nil
}

// stringField 接受字串或數字形式的識別碼
func stringField(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}
