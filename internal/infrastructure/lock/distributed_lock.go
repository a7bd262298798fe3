package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 【为什么购买流程要加锁？】
//
// 场景：用户在 Telegram 里连点两次"购买"，两个请求几乎同时进来
//
// 没有锁时：
//   请求1: 扣款成功 -> 调面板开通密钥
//   请求2: 扣款成功 -> 再开通一把密钥
// 用户被扣两次钱，拿到两把 key。
//
// 按用户加锁后，请求2 要等请求1 整个"扣款+开通"流程结束，
// 第二次扣款会因余额不足被条件更新拒绝。
//
// 【加锁/解锁】
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 是请求标识，解锁时验证，避免删掉别人的锁
//
// 解锁：Lua 脚本把"校验 value + DEL"做成原子操作
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 锁持有者标识
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本保证"校验持有者 + 删除"的原子性：
// 若持有期间锁已过期并被别人抢到，这里会拒绝删除
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数：各业务维度的锁
// ============================================================================

// NewPurchaseLock 购买锁（按账户维度）
// 同一账户的购买/自动扣费串行，不同账户互不影响
func NewPurchaseLock(client *redis.Client, accountID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("purchase:lock:account:%d", accountID)
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewRefundLock 退款锁（按流水维度）
// 管理端重复点退款时，第二个请求直接拿不到锁
func NewRefundLock(client *redis.Client, txID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("refund:lock:tx:%d", txID)
	return NewDistributedLock(client, key, requestID, 30*time.Second)
}

// NewMeterLock 计量锁（按密钥维度）
// 自动加量的"检查剩余+扣款+扩容"不允许同一把密钥并发执行
func NewMeterLock(client *redis.Client, keyID int64, requestID string) *DistributedLock {
	key := fmt.Sprintf("meter:lock:key:%d", keyID)
	return NewDistributedLock(client, key, requestID, 10*time.Second)
}
