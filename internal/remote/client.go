package remote

// ============================================================================
// 遠端客戶端
// 職責：把 QueuedAction 送到遠端，並將 gRPC 錯誤碼分類為永久/暫時性
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Favorite 遠端回傳的一筆收藏
type Favorite struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	AddedAt int64  `json:"addedAt,omitempty"`
}

// ApplyResult 套用結果
type ApplyResult struct {
	Duplicate bool // 遠端已處理過相同 ID
}

// Client 遠端服務客戶端
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial 建立到 address 的連線（不做 TLS，僅供本機與測試環境）
func Dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial remote %s: %w", address, err)
	}
	return conn, nil
}

// Apply sends one action. Errors that retrying cannot fix are returned
// wrapped with registry.Permanent.
func (c *Client) Apply(ctx context.Context, action types.QueuedAction) (ApplyResult, error) {
	req, err := encodeAction(action)
	if err != nil {
		return ApplyResult{}, registry.Permanent(fmt.Errorf("encode %s: %w", action.ID, err))
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodApply, req, resp); err != nil {
		return ApplyResult{}, classify(err, fmt.Errorf("remote apply %s: %w", action.ID, err))
	}
	return ApplyResult{Duplicate: resp.GetFields()["duplicate"].GetBoolValue()}, nil
}

// ListFavorites 取得遠端目前的收藏集合
func (c *Client) ListFavorites(ctx context.Context, userID string) ([]Favorite, error) {
	req, err := structpb.NewStruct(map[string]any{"userId": userID})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodListFavorites, req, resp); err != nil {
		return nil, classify(err, fmt.Errorf("remote list favorites: %w", err))
	}

	items := []Favorite{}
	list, ok := resp.AsMap()["items"]
	if !ok || list == nil {
		return items, nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("decode favorites: %w", err)
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode favorites: %w", err)
	}
	return items, nil
}

// IsPermanentCode 回傳該 gRPC 錯誤碼是否代表重試無效
func IsPermanentCode(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition,
		codes.PermissionDenied, codes.Unimplemented:
		return true
	}
	return false
}

// classify 依原始錯誤的狀態碼決定是否標記為永久性
func classify(cause, wrapped error) error {
	if IsPermanentCode(status.Code(cause)) {
		return registry.Permanent(wrapped)
	}
	return wrapped
}

func encodeAction(action types.QueuedAction) (*structpb.Struct, error) {
	var payload any
	if len(action.Payload) > 0 {
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(map[string]any{
		"id":        string(action.ID),
		"type":      string(action.Type),
		"timestamp": float64(action.Timestamp),
		"payload":   payload,
	})
}
