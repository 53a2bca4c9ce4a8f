package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "competitoreye:dedup:task:"

// Deduplicator 基于 Redis SETNX 的入队去重窗口。
// 同一用户对同一酒店组合、同一查询参数的重复提交会在窗口内被拒绝。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate 检查指纹是否在去重窗口内出现过。首次出现会占住窗口。
// nil 接收者或空指纹视为不去重。
func (d *Deduplicator) IsDuplicate(ctx context.Context, fingerprint string) (bool, error) {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return false, nil
	}
	key := keyPrefix + hash(fingerprint)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Release 提前释放指纹占用的窗口，例如任务入队失败需要允许重试时。
func (d *Deduplicator) Release(ctx context.Context, fingerprint string) error {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return nil
	}
	key := keyPrefix + hash(fingerprint)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

// TaskFingerprint 根据查询参数生成稳定指纹。URL 列表先排序，顺序不同不影响结果。
func TaskFingerprint(userID, setID, startDate, currency string, days, nights int, urls []string) string {
	sorted := make([]string, len(urls))
	copy(sorted, urls)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString(userID)
	b.WriteByte('|')
	b.WriteString(setID)
	b.WriteByte('|')
	b.WriteString(startDate)
	b.WriteByte('|')
	b.WriteString(currency)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(days))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(nights))
	for _, u := range sorted {
		b.WriteByte('|')
		b.WriteString(u)
	}
	return b.String()
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
