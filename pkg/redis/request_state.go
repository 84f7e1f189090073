package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// RequestPending 表示请求已受理、saga 执行中。
	RequestPending = "pending"
	// RequestSuccess 表示下单成功。
	RequestSuccess = "success"
	// RequestFailed 表示下单失败（终态，reason 带失败原因）。
	RequestFailed = "failed"
)

// RequestState 对应 Redis 内的 request 状态结构。
type RequestState struct {
	RequestID string
	Status    string
	OrderNo   string
	Reason    string
}

// StateStore 封装 request 状态读写，供查询接口快速返回而不打到 DB。
type StateStore struct {
	rdb *rd.Client
	ttl time.Duration
}

func NewStateStore(rdb *rd.Client, ttl time.Duration) *StateStore {
	return &StateStore{rdb: rdb, ttl: ttl}
}

// Get 查询 request_id 当前状态。found=false 表示 key 不存在（可能已过期）。
func (s *StateStore) Get(ctx context.Context, requestID string) (RequestState, bool, error) {
	key := RequestStatusKey(requestID)
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return RequestState{}, false, err
	}
	if len(m) == 0 {
		return RequestState{}, false, nil
	}

	out := RequestState{
		RequestID: requestID,
		Status:    m["status"],
		OrderNo:   m["order_no"],
		Reason:    m["reason"],
	}
	if out.Status == "" {
		out.Status = RequestPending
	}
	return out, true, nil
}

// Put 更新 request 状态，并刷新 key TTL。
func (s *StateStore) Put(ctx context.Context, requestID, status, orderNo, reason string) error {
	key := RequestStatusKey(requestID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"request_id", requestID,
		"status", status,
		"order_no", orderNo,
		"reason", reason,
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
