package execution

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateInFlight 表示同一 key 的请求仍在 in-flight（或在 TTL 窗口内）。
// 用于防止相邻两个对账周期对同一订单重复发出撤单/改单。
var ErrDuplicateInFlight = fmt.Errorf("duplicate in-flight")

// InFlightDeduper 提供“短时间窗口内的确定性去重”。
//
// 分片 map + 短 TTL，过期项惰性清理；key 不会因哈希冲突被误判为重复。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
	now    func() time.Time
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper 创建去重器。
// ttl 应覆盖一次网关调用（含重试）的最长耗时。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards, now: time.Now}
}

// TryAcquire 尝试获取 key 的 in-flight 令牌。
// - 成功返回 nil
// - 失败返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil {
		return nil
	}
	if key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理：仅清理本 shard 中过期项，且仅在发生访问时进行
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateInFlight
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 提前释放 key（允许更快再次进入）。
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// InFlight 当前未过期的 key 数量
func (d *InFlightDeduper) InFlight() int {
	if d == nil {
		return 0
	}
	now := d.now()
	n := 0
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		for _, exp := range sh.m {
			if exp.After(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(d.shards)
	return &d.shards[idx]
}

