package service

import (
	"context"
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
// 订阅计费
// ============================================================================
//
// 【扣款与开通的顺序】
//
// 扣款事务先提交，然后才调外部面板开通密钥。反过来（先开通后扣款）
// 会出现"拿到 key 却没付钱"的口子，用户断线即白嫖。
//
// 代价是面板调用失败时钱已经扣了 —— 此时执行补偿入账：
// 原路加回余额并落一条 refund 流水。两条流水轧差为零，对账可见。
//
// 【为什么还要分布式锁？】
//
// 条件更新已经挡住了超扣，但挡不住"重复买两份"：两次并发购买
// 在余额充足时都会成功。按账户加锁让购买串行，第二次请求
// 要么排队要么直接失败，不会重复开通。
//
// ============================================================================

const gib = int64(1) << 30

type BillingService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	provisioner provision.Provisioner
	charger     payment.Charger

	accountRepo     *repository.AccountRepository
	keyRepo         *repository.KeyRepository
	planRepo        *repository.PlanRepository
	promoRepo       *repository.PromoRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	methodRepo      *repository.PaymentMethodRepository
}

func NewBillingService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config,
	provisioner provision.Provisioner, charger payment.Charger) *BillingService {
	return &BillingService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		provisioner:     provisioner,
		charger:         charger,
		accountRepo:     repository.NewAccountRepository(db),
		keyRepo:         repository.NewKeyRepository(db),
		planRepo:        repository.NewPlanRepository(db),
		promoRepo:       repository.NewPromoRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		methodRepo:      repository.NewPaymentMethodRepository(db),
	}
}

type PurchaseRequest struct {
	TelegramID int64 `json:"telegram_id" binding:"required"`
	PlanID     int64 `json:"plan_id" binding:"required"`
}

type PurchaseResult struct {
	TransactionNo string `json:"transaction_no"`
	Price         int64  `json:"price"`
	KeyUUID       string `json:"key_uuid"`
	AccessURL     string `json:"access_url"`
	ExpiresAt     string `json:"expires_at"`
}

// PurchaseSubscription 购买固定资费订阅
func (s *BillingService) PurchaseSubscription(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, req.TelegramID, "", nil, s.cfg.Business.DefaultReferralRate)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	// 封禁账户一切购买免谈，余额检查之前先拦
	if account.IsBanned {
		return nil, ErrAccountBanned
	}

	plan, err := s.planRepo.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	basePrice := pricing.FlatTariff(plan, s.cfg.Business.LegacyPerDiem)
	expiresAt := time.Now().AddDate(0, 0, plan.DurationDays)

	keyReq := provision.KeyRequest{
		TelegramID: req.TelegramID,
		ExpiresAt:  expiresAt,
		PlanType:   model.PlanTypeVPN,
	}
	return s.purchase(ctx, account, basePrice, keyReq, model.TransactionTypeSubscription,
		fmt.Sprintf("订阅-%s-%d天", plan.Name, plan.DurationDays), 0, 1)
}

// RenewWithSavedCard 免密续费：用绑定的支付方式代扣套餐全款，
// 入账成功后走正常购买流程。渠道拒付则整单中止，本地余额分文未动。
// 代扣的外部支付号直接落流水，渠道稍后推的 webhook 会被唯一键挡掉
func (s *BillingService) RenewWithSavedCard(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, req.TelegramID, "", nil, s.cfg.Business.DefaultReferralRate)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	if account.IsBanned {
		return nil, ErrAccountBanned
	}

	plan, err := s.planRepo.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	price := pricing.FlatTariff(plan, s.cfg.Business.LegacyPerDiem)

	method, err := s.methodRepo.GetActive(ctx, account.ID, payment.ProviderYooKassa)
	if err != nil {
		return nil, err
	}
	externalID, err := s.charger.ChargeSaved(ctx, method.PaymentMethodID, price, req.TelegramID,
		fmt.Sprintf("免密续费-%s", plan.Name))
	if err != nil {
		log.Printf("[Billing] 免密代扣被拒: account=%d plan=%d err=%v", account.ID, req.PlanID, err)
		return nil, fmt.Errorf("代扣失败: %w", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Credit(ctx, tx, account.ID, price); err != nil {
			return err
		}
		extID := externalID
		dep := &model.Transaction{
			TransactionNo:     idgen.GenerateTransactionNo(),
			AccountID:         account.ID,
			Type:              model.TransactionTypeDeposit,
			Amount:            price,
			Status:            model.TransactionStatusSuccess,
			Provider:          payment.ProviderYooKassa,
			ExternalPaymentID: &extID,
			BalanceBefore:     account.Balance,
			BalanceAfter:      account.Balance + price,
			Description:       "免密续费充值",
		}
		return s.transactionRepo.Create(ctx, tx, dep)
	})
	if err != nil {
		// 钱已在渠道扣走，入账失败必须报警对账
		log.Printf("[Billing] 免密代扣入账失败，需人工处理: account=%d external=%s err=%v", account.ID, externalID, err)
		return nil, err
	}

	return s.PurchaseSubscription(ctx, req)
}

type WhitelistPurchaseRequest struct {
	TelegramID int64 `json:"telegram_id" binding:"required"`
	TrafficGB  int64 `json:"traffic_gb" binding:"required,gt=0"`
}

// PurchaseWhitelist 购买按量白名单套餐
// 计价策略由计费参数选择：现行版订阅费 + 单价 × GB，
// 历史版阶梯累进。流量区间由配置限定
func (s *BillingService) PurchaseWhitelist(ctx context.Context, req *WhitelistPurchaseRequest) (*PurchaseResult, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, req.TelegramID, "", nil, s.cfg.Business.DefaultReferralRate)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	if account.IsBanned {
		return nil, ErrAccountBanned
	}

	settings, err := s.planRepo.GetWhitelistSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取白名单配置失败: %w", err)
	}
	if req.TrafficGB < settings.MinGB || req.TrafficGB > settings.MaxGB {
		return nil, ErrTrafficOutOfRange
	}

	basePrice := pricing.Whitelist(pricing.WhitelistPolicy(settings.PricingType), req.TrafficGB, settings)
	expiresAt := time.Now().AddDate(0, 0, 30)

	keyReq := provision.KeyRequest{
		TelegramID:   req.TelegramID,
		ExpiresAt:    expiresAt,
		TrafficLimit: req.TrafficGB * gib,
		PlanType:     model.PlanTypeWhitelist,
	}
	return s.purchase(ctx, account, basePrice, keyReq, model.TransactionTypeSubscription,
		fmt.Sprintf("白名单-%dGB", req.TrafficGB), req.TrafficGB*gib, 1)
}

// purchase 通用购买流程：锁 -> 折扣 -> 扣款 -> 开通 -> 落库
// 扣款事务提交后面板失败时执行补偿入账
func (s *BillingService) purchase(ctx context.Context, account *model.Account, basePrice int64,
	keyReq provision.KeyRequest, txType, description string, trafficLimit int64, deviceLimit int) (*PurchaseResult, error) {

	requestID := uuid.NewString()
	purchaseLock := lock.NewPurchaseLock(s.redisClient, account.ID, requestID)
	if err := purchaseLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer purchaseLock.Unlock(ctx)

	price := basePrice
	var consumedDiscount int64
	trans := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.ID,
		Type:          txType,
		Status:        model.TransactionStatusSuccess,
		Description:   description,
	}

	// 扣款事务：折扣消费与扣款同生共死，扣款失败折扣回滚
	err := s.db.Transaction(func(tx *gorm.DB) error {
		percent, err := s.promoRepo.ConsumePendingDiscount(ctx, tx, account.ID)
		if err != nil {
			return fmt.Errorf("消费折扣失败: %w", err)
		}
		if percent > 0 {
			price = pricing.ApplyDiscount(basePrice, percent)
			consumedDiscount = percent
		}

		if err := s.accountRepo.Debit(ctx, tx, account.ID, price); err != nil {
			return err
		}

		fresh, err := s.accountRepo.GetByID(ctx, account.ID)
		if err != nil {
			return err
		}
		trans.Amount = -price
		trans.BalanceBefore = fresh.Balance + price
		trans.BalanceAfter = fresh.Balance
		return s.transactionRepo.Create(ctx, tx, trans)
	})
	if err != nil {
		return nil, err
	}

	// 外部开通，失败走补偿
	keyReq.DeviceLimit = deviceLimit
	result, err := s.provisioner.Provision(ctx, keyReq)
	if err != nil {
		log.Printf("[Billing] 面板开通失败，补偿入账: account=%d price=%d err=%v", account.ID, price, err)
		if compErr := s.compensate(ctx, account, price, consumedDiscount, trans.TransactionNo); compErr != nil {
			// 补偿失败必须报警，这是唯一会丢钱的路径
			log.Printf("[Billing] 补偿入账失败，需人工处理: account=%d price=%d err=%v", account.ID, price, compErr)
		}
		return nil, ErrProvisionFailed
	}

	key := &model.VPNKey{
		AccountID:    account.ID,
		KeyUUID:      result.KeyUUID,
		AccessURL:    result.AccessURL,
		Status:       model.KeyStatusActive,
		ExpiresAt:    keyReq.ExpiresAt,
		TrafficLimit: trafficLimit,
		DeviceLimit:  deviceLimit,
		PlanType:     keyReq.PlanType,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.keyRepo.Upsert(ctx, tx, key); err != nil {
			return fmt.Errorf("保存密钥失败: %w", err)
		}
		if err := s.accountRepo.UpdateStatus(ctx, tx, account.ID, model.AccountStatusActive); err != nil {
			return err
		}
		userMsg := fmt.Sprintf("订阅已开通，有效期至 %s\n%s", keyReq.ExpiresAt.Format("2006-01-02"), result.AccessURL)
		return s.outboxRepo.EnqueueUser(ctx, tx, account.TelegramID, userMsg)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Billing] 购买成功: account=%d price=%d key=%s", account.ID, price, result.KeyUUID)
	return &PurchaseResult{
		TransactionNo: trans.TransactionNo,
		Price:         price,
		KeyUUID:       result.KeyUUID,
		AccessURL:     result.AccessURL,
		ExpiresAt:     keyReq.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// compensate 开通失败的补偿入账
// 原路加回扣款并落 refund 流水，消费掉的折扣一并恢复
func (s *BillingService) compensate(ctx context.Context, account *model.Account, price, discountPercent int64, origNo string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Credit(ctx, tx, account.ID, price); err != nil {
			return err
		}
		fresh, err := s.accountRepo.GetByID(ctx, account.ID)
		if err != nil {
			return err
		}
		comp := &model.Transaction{
			TransactionNo: idgen.GenerateRefundNo(),
			AccountID:     account.ID,
			Type:          model.TransactionTypeRefund,
			Amount:        price,
			Status:        model.TransactionStatusSuccess,
			BalanceBefore: fresh.Balance - price,
			BalanceAfter:  fresh.Balance,
			Description:   fmt.Sprintf("开通失败补偿-%s", origNo),
		}
		if err := s.transactionRepo.Create(ctx, tx, comp); err != nil {
			return err
		}
		if discountPercent > 0 {
			if err := s.promoRepo.CreateDiscount(ctx, tx, account.ID, discountPercent); err != nil {
				return err
			}
		}
		userMsg := fmt.Sprintf("开通暂时失败，已退回 %s ₽，请稍后重试", payment.FormatAmount(price))
		return s.outboxRepo.EnqueueUser(ctx, tx, account.TelegramID, userMsg)
	})
}

// ActivateTrial 激活试用
// 每个账户一生一次，trial_used 不随订阅购买清零
func (s *BillingService) ActivateTrial(ctx context.Context, telegramID int64) (*PurchaseResult, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, telegramID, "", nil, s.cfg.Business.DefaultReferralRate)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	if account.IsBanned {
		return nil, ErrAccountBanned
	}
	if account.TrialUsed {
		return nil, ErrTrialAlreadyUsed
	}

	requestID := uuid.NewString()
	purchaseLock := lock.NewPurchaseLock(s.redisClient, account.ID, requestID)
	if err := purchaseLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer purchaseLock.Unlock(ctx)

	// 拿锁后复查，并发激活只放过第一个
	account, err = s.accountRepo.GetByID(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if account.TrialUsed {
		return nil, ErrTrialAlreadyUsed
	}

	expiresAt := time.Now().AddDate(0, 0, s.cfg.Business.TrialDays)
	result, err := s.provisioner.Provision(ctx, provision.KeyRequest{
		TelegramID:   telegramID,
		ExpiresAt:    expiresAt,
		TrafficLimit: s.cfg.Business.TrialTrafficGB * gib,
		DeviceLimit:  1,
		PlanType:     model.PlanTypeVPN,
	})
	if err != nil {
		return nil, ErrProvisionFailed
	}

	key := &model.VPNKey{
		AccountID:    account.ID,
		KeyUUID:      result.KeyUUID,
		AccessURL:    result.AccessURL,
		Status:       model.KeyStatusActive,
		ExpiresAt:    expiresAt,
		TrafficLimit: s.cfg.Business.TrialTrafficGB * gib,
		DeviceLimit:  1,
		PlanType:     model.PlanTypeVPN,
	}
	trans := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.ID,
		Type:          model.TransactionTypeTrial,
		Amount:        0,
		Status:        model.TransactionStatusSuccess,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance,
		Description:   fmt.Sprintf("试用-%d天-%dGB", s.cfg.Business.TrialDays, s.cfg.Business.TrialTrafficGB),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.keyRepo.Upsert(ctx, tx, key); err != nil {
			return err
		}
		if err := s.accountRepo.MarkTrialUsed(ctx, tx, account.ID); err != nil {
			return err
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}
		userMsg := fmt.Sprintf("试用已开通（%d天 / %dGB）\n%s",
			s.cfg.Business.TrialDays, s.cfg.Business.TrialTrafficGB, result.AccessURL)
		return s.outboxRepo.EnqueueUser(ctx, tx, telegramID, userMsg)
	})
	if err != nil {
		// 面板上已有活的密钥但本地没落库，吊销掉，不留无主密钥
		if revokeErr := s.provisioner.Revoke(ctx, result.KeyUUID); revokeErr != nil {
			log.Printf("[Billing] 试用落库失败后吊销失败，需人工处理: key=%s err=%v", result.KeyUUID, revokeErr)
		}
		return nil, err
	}

	log.Printf("[Billing] 试用激活: account=%d key=%s", account.ID, result.KeyUUID)
	return &PurchaseResult{
		TransactionNo: trans.TransactionNo,
		Price:         0,
		KeyUUID:       result.KeyUUID,
		AccessURL:     result.AccessURL,
		ExpiresAt:     expiresAt.Format(time.RFC3339),
	}, nil
}
