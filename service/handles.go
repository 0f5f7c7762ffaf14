package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"BlogToVideo-server/config"

	"github.com/redis/go-redis/v9"
)

// ErrHandleUnknown 索引中没有该 handle
var ErrHandleUnknown = errors.New("task handle not indexed")

// SegmentRef 某个 job 的某个片段
type SegmentRef struct {
	JobID   string
	Segment int
}

// HandleIndex handle -> (job, segment)。回调未带 job/segment 参数时用来反查。
type HandleIndex interface {
	Put(ctx context.Context, handle TaskHandle, ref SegmentRef) error
	Lookup(ctx context.Context, handle TaskHandle) (SegmentRef, error)
}

var RedisClient *redis.Client

// InitRedis 连接 Redis 并 ping
func InitRedis() {
	cfg := config.AppConfig.Redis
	RedisClient = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := RedisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis 连接失败: %v", err)
	}
	log.Println("Redis 连接成功")
}

const handleKeyPrefix = "clipgen:handle:"

// RedisHandleIndex 基于 Redis 的索引，带 TTL
type RedisHandleIndex struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisHandleIndex(rdb *redis.Client, ttl time.Duration) *RedisHandleIndex {
	return &RedisHandleIndex{rdb: rdb, ttl: ttl}
}

func (r *RedisHandleIndex) Put(ctx context.Context, handle TaskHandle, ref SegmentRef) error {
	val := fmt.Sprintf("%s:%d", ref.JobID, ref.Segment)
	return r.rdb.Set(ctx, handleKeyPrefix+string(handle), val, r.ttl).Err()
}

func (r *RedisHandleIndex) Lookup(ctx context.Context, handle TaskHandle) (SegmentRef, error) {
	val, err := r.rdb.Get(ctx, handleKeyPrefix+string(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return SegmentRef{}, ErrHandleUnknown
	}
	if err != nil {
		return SegmentRef{}, err
	}
	return parseSegmentRef(val)
}

func parseSegmentRef(val string) (SegmentRef, error) {
	i := strings.LastIndex(val, ":")
	if i <= 0 {
		return SegmentRef{}, fmt.Errorf("malformed handle index value %q", val)
	}
	seg, err := strconv.Atoi(val[i+1:])
	if err != nil {
		return SegmentRef{}, fmt.Errorf("malformed handle index value %q: %w", val, err)
	}
	return SegmentRef{JobID: val[:i], Segment: seg}, nil
}

// MemoryHandleIndex 进程内实现
type MemoryHandleIndex struct {
	mu sync.RWMutex
	m  map[TaskHandle]SegmentRef
}

func NewMemoryHandleIndex() *MemoryHandleIndex {
	return &MemoryHandleIndex{m: make(map[TaskHandle]SegmentRef)}
}

func (m *MemoryHandleIndex) Put(ctx context.Context, handle TaskHandle, ref SegmentRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[handle] = ref
	return nil
}

func (m *MemoryHandleIndex) Lookup(ctx context.Context, handle TaskHandle) (SegmentRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.m[handle]
	if !ok {
		return SegmentRef{}, ErrHandleUnknown
	}
	return ref, nil
}
