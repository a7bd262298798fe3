package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vpnpay/internal/config"
	"vpnpay/internal/infrastructure/lock"
	"vpnpay/internal/model"
	"vpnpay/internal/payment"
	"vpnpay/internal/pricing"
	"vpnpay/internal/provision"
	"vpnpay/internal/repository"
	"vpnpay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================================================
// 滥用检测与流量计量
// ============================================================================
//
// 【为什么封禁计数只增不减？】
//
// banned_key_count 是账户的"前科记录"。解封一把密钥说明这次误判
// 或者用户改正了，但不代表历史清白 —— 计数到 3 封账户的三振规则
// 只有在计数单调时才有意义，否则滥用者封一把解一把永远到不了 3。
//
// 【同日多次上报】
//
// 面板按周期推流量增量，一天到账多次。日累计走
// INSERT ... ON CONFLICT (vpn_key_id, date) DO UPDATE traffic_bytes + ?
// 单条语句累加后读回新值，并发上报不丢量。封顶判断用读回的
// 累计值，跨上报攒出来的超量同样会触发封禁。
//
// ============================================================================

const mib = int64(1) << 20

var ErrDeviceConflict = errors.New("设备冲突，另一台设备正在使用该密钥")

type AbuseService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	provisioner provision.Provisioner
	charger     payment.Charger

	accountRepo     *repository.AccountRepository
	keyRepo         *repository.KeyRepository
	trafficRepo     *repository.TrafficRepository
	planRepo        *repository.PlanRepository
	methodRepo      *repository.PaymentMethodRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewAbuseService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config,
	provisioner provision.Provisioner, charger payment.Charger) *AbuseService {
	return &AbuseService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		provisioner:     provisioner,
		charger:         charger,
		accountRepo:     repository.NewAccountRepository(db),
		keyRepo:         repository.NewKeyRepository(db),
		trafficRepo:     repository.NewTrafficRepository(db),
		planRepo:        repository.NewPlanRepository(db),
		methodRepo:      repository.NewPaymentMethodRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type TrafficReport struct {
	KeyUUID  string `json:"key_uuid" binding:"required"`
	HWIDHash string `json:"hwid_hash"`
	Bytes    int64  `json:"bytes" binding:"required,gt=0"`
}

type TrafficReportResult struct {
	DailyTotal int64  `json:"daily_total"`
	KeyStatus  string `json:"key_status"`
	KeyBanned  bool   `json:"key_banned"`
	Extended   bool   `json:"extended"` // 自动扣费加量是否发生
}

// ReportTraffic 处理一条面板流量上报
// 顺序固定：设备窗口 -> 累计 -> 日封顶 -> 计量策略
func (s *AbuseService) ReportTraffic(ctx context.Context, report *TrafficReport) (*TrafficReportResult, error) {
	key, err := s.keyRepo.GetByUUID(ctx, report.KeyUUID)
	if err != nil {
		return nil, err
	}
	if key.Status == model.KeyStatusBanned {
		return &TrafficReportResult{KeyStatus: model.KeyStatusBanned, KeyBanned: true}, nil
	}

	// 设备互斥窗口：窗口期内换了指纹视为多设备共享，拒绝上报
	if report.HWIDHash != "" && key.HWIDHash != "" && key.HWIDHash != report.HWIDHash && key.LastSeenAt != nil {
		window := time.Duration(s.cfg.Business.DeviceWindowSeconds) * time.Second
		if time.Since(*key.LastSeenAt) < window {
			log.Printf("[Abuse] 设备冲突: key=%s old=%s new=%s", key.KeyUUID, key.HWIDHash, report.HWIDHash)
			return nil, ErrDeviceConflict
		}
	}

	today := time.Now().Format("2006-01-02")
	capBytes := s.cfg.Business.DailyTrafficCapGB * gib

	var dailyTotal int64
	var keyBanned, accountBanned bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if report.HWIDHash != "" {
			if err := s.keyRepo.TouchDevice(ctx, tx, key.ID, report.HWIDHash); err != nil {
				return err
			}
		}
		if err := s.keyRepo.AddTraffic(ctx, tx, key.ID, report.Bytes); err != nil {
			return err
		}
		total, err := s.trafficRepo.AddDailyTraffic(ctx, tx, key.ID, key.AccountID, today, report.Bytes)
		if err != nil {
			return err
		}
		dailyTotal = total

		if total <= capBytes {
			return nil
		}

		// 日封顶触发：封密钥，记前科，三振封账户
		if err := s.keyRepo.Ban(ctx, tx, key.ID); err != nil {
			return err
		}
		keyBanned = true
		count, err := s.accountRepo.IncrementBannedKeys(ctx, tx, key.AccountID)
		if err != nil {
			return err
		}
		adminMsg := fmt.Sprintf("日流量超限封禁: key=%s account=%d total=%dGB strikes=%d",
			key.KeyUUID, key.AccountID, total/gib, count)
		if err := s.outboxRepo.EnqueueAdmin(ctx, tx, adminMsg); err != nil {
			return err
		}
		if count >= s.cfg.Business.BannedKeysLimit {
			reason := fmt.Sprintf("封禁密钥数达到 %d", count)
			if err := s.accountRepo.BanAccount(ctx, tx, key.AccountID, reason); err != nil {
				return err
			}
			accountBanned = true
			if err := s.outboxRepo.EnqueueAdmin(ctx, tx, fmt.Sprintf("账户封禁: account=%d %s", key.AccountID, reason)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if keyBanned {
		// 面板侧吊销尽力而为，DB 状态已是 Banned，后续上报直接拒
		if err := s.provisioner.Revoke(ctx, key.KeyUUID); err != nil {
			log.Printf("[Abuse] 面板吊销失败: key=%s err=%v", key.KeyUUID, err)
		}
		log.Printf("[Abuse] 密钥封禁: key=%s daily=%d account_banned=%v", key.KeyUUID, dailyTotal, accountBanned)
		return &TrafficReportResult{DailyTotal: dailyTotal, KeyStatus: model.KeyStatusBanned, KeyBanned: true}, nil
	}

	// 封顶没触发才轮到计量
	extended := false
	status := key.Status
	if key.PlanType == model.PlanTypeWhitelist && key.TrafficLimit > 0 {
		extended, err = s.meter(ctx, key, report.Bytes)
		if err != nil {
			log.Printf("[Abuse] 计量处理失败: key=%s err=%v", key.KeyUUID, err)
		}
		// 计量可能停用了密钥，取最新状态回给上报方
		if fresh, err := s.keyRepo.GetByID(ctx, key.ID); err == nil {
			status = fresh.Status
		}
	}

	return &TrafficReportResult{DailyTotal: dailyTotal, KeyStatus: status, Extended: extended}, nil
}

// meter 按配置的计量策略处理剩余流量
func (s *AbuseService) meter(ctx context.Context, key *model.VPNKey, reported int64) (bool, error) {
	remaining := key.TrafficLimit - (key.TrafficUsed + reported)
	threshold := s.cfg.Business.AutoPayThresholdMB * mib
	if remaining > threshold {
		return false, nil
	}

	switch s.cfg.Business.MeteringPolicy {
	case config.MeteringAutoExtend:
		return s.autoExtend(ctx, key)
	case config.MeteringHardCutoff:
		return s.overageOrSuspend(ctx, key)
	default:
		return false, fmt.Errorf("未知计量策略: %s", s.cfg.Business.MeteringPolicy)
	}
}

// autoExtend 自动扣费加量：扣 1GB 的钱，扩 1GB 的量
// 允许余额到配置的负下限；负额度也用完时先试免密续费，
// 都不行就本轮放弃加量，让流量自然耗尽，不因此停用密钥
func (s *AbuseService) autoExtend(ctx context.Context, key *model.VPNKey) (bool, error) {
	requestID := uuid.NewString()
	meterLock := lock.NewMeterLock(s.redisClient, key.ID, requestID)
	ok, err := meterLock.TryLock(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		// 另一个上报正在处理同一把密钥，这次放过
		return false, nil
	}
	defer meterLock.Unlock(ctx)

	settings, err := s.planRepo.GetWhitelistSettings(ctx)
	if err != nil {
		return false, err
	}
	if !settings.AutoPayEnabled {
		return false, nil
	}
	price := pricing.MeteredGB(settings)

	err = s.extendOnce(ctx, key, price)
	if errors.Is(err, repository.ErrFloorBreached) {
		account, getErr := s.accountRepo.GetByID(ctx, key.AccountID)
		if getErr != nil {
			return false, getErr
		}
		if !s.tryChargeSaved(ctx, account, price) {
			return false, nil
		}
		err = s.extendOnce(ctx, key, price)
		if errors.Is(err, repository.ErrFloorBreached) {
			return false, nil
		}
	}
	if err != nil {
		return false, err
	}

	log.Printf("[Abuse] 自动加量: key=%s account=%d price=%d", key.KeyUUID, key.AccountID, price)
	return true, nil
}

// extendOnce 单次扣费加量，调用方负责持有计量锁
func (s *AbuseService) extendOnce(ctx context.Context, key *model.VPNKey, price int64) error {
	account, err := s.accountRepo.GetByID(ctx, key.AccountID)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.DebitWithFloor(ctx, tx, key.AccountID, price, s.cfg.Business.AutoPayFloor); err != nil {
			return err
		}
		if err := s.keyRepo.ExtendTrafficLimit(ctx, tx, key.ID, gib); err != nil {
			return err
		}
		trans := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     key.AccountID,
			Type:          model.TransactionTypeAutoPay,
			Amount:        -price,
			Status:        model.TransactionStatusSuccess,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - price,
			Description:   fmt.Sprintf("自动扣费加量-1GB-%s", key.KeyUUID),
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}
		msg := fmt.Sprintf("流量即将用尽，已自动购买 1GB（-%s ₽）", payment.FormatAmount(price))
		return s.outboxRepo.EnqueueUser(ctx, tx, account.TelegramID, msg)
	})
}

// tryChargeSaved 用保存的支付方式免密充值一笔兜底金额
// 成功后余额经 webhook 流程入账前先直接入账（渠道回调可能滞后）
func (s *AbuseService) tryChargeSaved(ctx context.Context, account *model.Account, need int64) bool {
	method, err := s.methodRepo.GetActive(ctx, account.ID, payment.ProviderYooKassa)
	if err != nil {
		return false
	}
	// 充到至少能覆盖欠费 + 一次加量
	amount := need - account.Balance + need
	if amount < need {
		amount = need
	}
	externalID, err := s.charger.ChargeSaved(ctx, method.PaymentMethodID, amount, account.TelegramID, "自动续费")
	if err != nil {
		log.Printf("[Abuse] 免密扣费失败: account=%d err=%v", account.ID, err)
		return false
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Credit(ctx, tx, account.ID, amount); err != nil {
			return err
		}
		extID := externalID
		trans := &model.Transaction{
			TransactionNo:     idgen.GenerateTransactionNo(),
			AccountID:         account.ID,
			Type:              model.TransactionTypeDeposit,
			Amount:            amount,
			Status:            model.TransactionStatusSuccess,
			Provider:          payment.ProviderYooKassa,
			ExternalPaymentID: &extID,
			BalanceBefore:     account.Balance,
			BalanceAfter:      account.Balance + amount,
			Description:       "自动续费充值",
		}
		// 渠道稍后还会推 webhook，唯一键会把那次重放挡掉
		return s.transactionRepo.Create(ctx, tx, trans)
	})
	if err != nil {
		log.Printf("[Abuse] 免密充值入账失败: account=%d err=%v", account.ID, err)
		return false
	}
	return true
}

// overageOrSuspend 旧版策略：余额够就按 GB 扣超量费，不够立即停用
// 超量扣费不允许负余额
func (s *AbuseService) overageOrSuspend(ctx context.Context, key *model.VPNKey) (bool, error) {
	requestID := uuid.NewString()
	meterLock := lock.NewMeterLock(s.redisClient, key.ID, requestID)
	ok, err := meterLock.TryLock(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer meterLock.Unlock(ctx)

	// 超量单价是独立旋钮，与白名单自动加量的单价无关
	price := s.cfg.Business.OveragePricePerGB

	account, err := s.accountRepo.GetByID(ctx, key.AccountID)
	if err != nil {
		return false, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Debit(ctx, tx, key.AccountID, price); err != nil {
			return err
		}
		if err := s.keyRepo.ExtendTrafficLimit(ctx, tx, key.ID, gib); err != nil {
			return err
		}
		trans := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     key.AccountID,
			Type:          model.TransactionTypeOverage,
			Amount:        -price,
			Status:        model.TransactionStatusSuccess,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - price,
			Description:   fmt.Sprintf("超量扣费-1GB-%s", key.KeyUUID),
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}
		msg := fmt.Sprintf("流量超出套餐，已扣除超量费 %s ₽（+1GB）", payment.FormatAmount(price))
		return s.outboxRepo.EnqueueUser(ctx, tx, account.TelegramID, msg)
	})
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			return false, s.hardCutoff(ctx, key)
		}
		return false, err
	}
	return true, nil
}

// hardCutoff 余额不抵超量费时停用密钥
func (s *AbuseService) hardCutoff(ctx context.Context, key *model.VPNKey) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.keyRepo.UpdateStatus(ctx, tx, key.ID, model.KeyStatusActive, model.KeyStatusSuspended); err != nil {
			if errors.Is(err, repository.ErrKeyStatusInvalid) {
				// 已经不是 Active，别人处理过了
				return nil
			}
			return err
		}
		account, err := s.accountRepo.GetByID(ctx, key.AccountID)
		if err != nil {
			return err
		}
		msg := "流量已用尽，密钥已停用。充值并购买流量后可恢复"
		return s.outboxRepo.EnqueueUser(ctx, tx, account.TelegramID, msg)
	})
	if err != nil {
		return err
	}
	if err := s.provisioner.Revoke(ctx, key.KeyUUID); err != nil {
		log.Printf("[Abuse] 面板停用失败: key=%s err=%v", key.KeyUUID, err)
	}
	log.Printf("[Abuse] 流量用尽停用: key=%s", key.KeyUUID)
	return nil
}
