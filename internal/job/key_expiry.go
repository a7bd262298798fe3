package job

import (
	"context"
	"log"
	"time"

	"vpnpay/internal/config"
	"vpnpay/internal/model"
	"vpnpay/internal/provision"
	"vpnpay/internal/repository"

	"gorm.io/gorm"
)

// KeyExpiryJob 到期密钥清扫任务
// 周期扫描过了有效期还处于 Active/Suspended 的密钥，置为 Inactive，
// 面板侧吊销并通知用户。Banned 不碰 —— 封禁是风控终态。
type KeyExpiryJob struct {
	db          *gorm.DB
	keyRepo     *repository.KeyRepository
	accountRepo *repository.AccountRepository
	outboxRepo  *repository.OutboxRepository
	provisioner provision.Provisioner
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewKeyExpiryJob(db *gorm.DB, cfg *config.Config, provisioner provision.Provisioner) *KeyExpiryJob {
	return &KeyExpiryJob{
		db:          db,
		keyRepo:     repository.NewKeyRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		provisioner: provisioner,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   100,
	}
}

func (j *KeyExpiryJob) Start(ctx context.Context) {
	log.Println("[KeyExpiryJob] 到期清扫任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[KeyExpiryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[KeyExpiryJob] 任务停止")
			return
		case <-ticker.C:
			j.sweepExpiredKeys(ctx)
		}
	}
}

func (j *KeyExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *KeyExpiryJob) sweepExpiredKeys(ctx context.Context) {
	keys, err := j.keyRepo.GetExpiredKeys(ctx, j.batchSize)
	if err != nil {
		log.Printf("[KeyExpiryJob] 查询到期密钥失败: %v", err)
		return
	}

	for _, key := range keys {
		j.deactivate(ctx, key)
	}
}

func (j *KeyExpiryJob) deactivate(ctx context.Context, key *model.VPNKey) {
	err := j.db.Transaction(func(tx *gorm.DB) error {
		// 条件流转，多实例同时清扫也只有一个会成功
		if err := j.keyRepo.UpdateStatus(ctx, tx, key.ID, key.Status, model.KeyStatusInactive); err != nil {
			return err
		}
		account, err := j.accountRepo.GetByID(ctx, key.AccountID)
		if err != nil {
			return err
		}
		// 名下没有其他活跃密钥时账户才算 Expired
		keys, err := j.keyRepo.ListByAccountID(ctx, key.AccountID)
		if err != nil {
			return err
		}
		hasActive := false
		for _, k := range keys {
			if k.ID != key.ID && k.Status == model.KeyStatusActive {
				hasActive = true
				break
			}
		}
		if !hasActive && account.Status == model.AccountStatusActive {
			if err := j.accountRepo.UpdateStatus(ctx, tx, key.AccountID, model.AccountStatusExpired); err != nil {
				return err
			}
		}
		msg := "订阅已到期，密钥已停用。续费后即可恢复使用"
		return j.outboxRepo.EnqueueUser(ctx, tx, account.TelegramID, msg)
	})
	if err != nil {
		log.Printf("[KeyExpiryJob] 停用失败: key=%s err=%v", key.KeyUUID, err)
		return
	}

	if err := j.provisioner.Revoke(ctx, key.KeyUUID); err != nil {
		log.Printf("[KeyExpiryJob] 面板吊销失败: key=%s err=%v", key.KeyUUID, err)
	}
	log.Printf("[KeyExpiryJob] 密钥到期停用: key=%s account=%d", key.KeyUUID, key.AccountID)
}
