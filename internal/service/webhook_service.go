package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"vpnpay/internal/config"
	"vpnpay/internal/model"
	"vpnpay/internal/payment"
	"vpnpay/internal/repository"
	"vpnpay/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// Webhook 入账
// ============================================================================
//
// 【去重为什么是两层？】
//
// 渠道按"至少一次"语义投递回调，网络抖动、超时重试、人工补推
// 都会造成同一笔支付重复到达，甚至并发到达。
//
// 第一层：入账前按 (provider, external_payment_id) 查流水，查到即直接
//         按"重复"应答。挡住绝大多数串行重放，省一次写事务。
//
// 第二层：流水表上的唯一索引。两个重放并发通过第一层时，只有一个
//         INSERT 成功，另一个撞唯一键，整个事务（含入账）回滚。
//         入账和流水在同一事务里，保证"查不到流水 = 没入过账"。
//
// 重复回调对渠道必须应答成功，否则渠道会无限重试。
//
// ============================================================================

type WebhookService struct {
	db              *gorm.DB
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	methodRepo      *repository.PaymentMethodRepository
	outboxRepo      *repository.OutboxRepository
}

func NewWebhookService(db *gorm.DB, cfg *config.Config) *WebhookService {
	return &WebhookService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		methodRepo:      repository.NewPaymentMethodRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type DepositResult struct {
	Duplicate     bool   `json:"duplicate"`
	TransactionNo string `json:"transaction_no"`
	Amount        int64  `json:"amount"`
}

// ProcessDeposit 处理一笔归一化后的支付通知
// 重复回调返回 Duplicate=true、err=nil，调用方照常应答成功
func (s *WebhookService) ProcessDeposit(ctx context.Context, notice *payment.Notice) (*DepositResult, error) {
	// 第一层去重：先查流水
	existing, err := s.transactionRepo.GetByExternalID(ctx, notice.Provider, notice.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		log.Printf("[Webhook] 重复回调: provider=%s external_id=%s", notice.Provider, notice.ExternalID)
		return &DepositResult{Duplicate: true, TransactionNo: existing.TransactionNo, Amount: existing.Amount}, nil
	}

	account, err := s.accountRepo.GetOrCreate(ctx, notice.TelegramID, "", nil, s.cfg.Business.DefaultReferralRate)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}

	externalID := notice.ExternalID
	trans := &model.Transaction{
		TransactionNo:     idgen.GenerateTransactionNo(),
		AccountID:         account.ID,
		Type:              model.TransactionTypeDeposit,
		Amount:            notice.Amount,
		Status:            model.TransactionStatusSuccess,
		Provider:          notice.Provider,
		ExternalPaymentID: &externalID,
		BalanceBefore:     account.Balance,
		BalanceAfter:      account.Balance + notice.Amount,
		Description:       fmt.Sprintf("充值-%s", notice.Provider),
	}

	duplicate := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Credit(ctx, tx, account.ID, notice.Amount); err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}

		// 第二层去重：并发重放在这里撞唯一键，入账随事务一起回滚
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				duplicate = true
				return err
			}
			return fmt.Errorf("写流水失败: %w", err)
		}

		// 渠道回传的可复用支付方式，留给自动扣费
		if notice.SavedMethod != nil {
			method := &model.SavedPaymentMethod{
				AccountID:       account.ID,
				Provider:        notice.Provider,
				PaymentMethodID: notice.SavedMethod.MethodID,
				MethodType:      notice.SavedMethod.Type,
				CardLast4:       notice.SavedMethod.CardLast4,
				CardBrand:       notice.SavedMethod.CardBrand,
			}
			if err := s.methodRepo.Save(ctx, tx, method); err != nil {
				return fmt.Errorf("保存支付方式失败: %w", err)
			}
		}

		userMsg := fmt.Sprintf("余额充值成功：+%s ₽", payment.FormatAmount(notice.Amount))
		if err := s.outboxRepo.EnqueueUser(ctx, tx, notice.TelegramID, userMsg); err != nil {
			return err
		}
		adminMsg := fmt.Sprintf("充值 %s ₽ (tg=%d, %s)", payment.FormatAmount(notice.Amount), notice.TelegramID, notice.Provider)
		return s.outboxRepo.EnqueueAdmin(ctx, tx, adminMsg)
	})
	if err != nil {
		if duplicate {
			log.Printf("[Webhook] 并发重复回调: provider=%s external_id=%s", notice.Provider, notice.ExternalID)
			return &DepositResult{Duplicate: true, Amount: notice.Amount}, nil
		}
		return nil, err
	}

	log.Printf("[Webhook] 入账成功: account=%d amount=%d provider=%s", account.ID, notice.Amount, notice.Provider)
	return &DepositResult{TransactionNo: trans.TransactionNo, Amount: notice.Amount}, nil
}
