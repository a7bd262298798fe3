package service

import (
	"context"
	"fmt"
	"log"

	"vpnpay/internal/config"
	"vpnpay/internal/model"
	"vpnpay/internal/payment"
	"vpnpay/internal/repository"
	"vpnpay/pkg/idgen"

	"gorm.io/gorm"
)

type AccountService struct {
	db  *gorm.DB
	cfg *config.Config

	accountRepo     *repository.AccountRepository
	keyRepo         *repository.KeyRepository
	planRepo        *repository.PlanRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewAccountService(db *gorm.DB, cfg *config.Config) *AccountService {
	return &AccountService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		keyRepo:         repository.NewKeyRepository(db),
		planRepo:        repository.NewPlanRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type RegisterRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Username   string `json:"username"`
	ReferrerID int64  `json:"referrer_id"` // 推荐人的 Telegram ID，0 表示无
}

// Register 首次接触建档
// 推荐关系只在建档时落一次，不接受事后改挂
func (s *AccountService) Register(ctx context.Context, req *RegisterRequest) (*model.Account, error) {
	var referredBy *int64
	if req.ReferrerID != 0 && req.ReferrerID != req.TelegramID {
		referrer, err := s.accountRepo.GetByTelegramID(ctx, req.ReferrerID)
		if err == nil && !referrer.IsBanned {
			referredBy = &referrer.ID
		}
		// 推荐人不存在或被封禁：照常建档，只是不挂推荐关系
	}

	account, err := s.accountRepo.GetOrCreate(ctx, req.TelegramID, req.Username, referredBy, s.cfg.Business.DefaultReferralRate)
	if err != nil {
		return nil, err
	}
	return account, nil
}

type AccountProfile struct {
	Account *model.Account  `json:"account"`
	Keys    []*model.VPNKey `json:"keys"`
}

// Profile 账户概览：余额、状态、名下密钥
func (s *AccountService) Profile(ctx context.Context, telegramID int64) (*AccountProfile, error) {
	account, err := s.accountRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	keys, err := s.keyRepo.ListByAccountID(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	return &AccountProfile{Account: account, Keys: keys}, nil
}

// History 流水分页
func (s *AccountService) History(ctx context.Context, telegramID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	account, err := s.accountRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, 0, err
	}
	return s.transactionRepo.ListByAccountID(ctx, account.ID, page, pageSize)
}

// AdminAdjust 管理端手工调账（正数入账，负数扣款）
// 每次调账必须落流水并通知用户，杜绝"悄悄改余额"
func (s *AccountService) AdminAdjust(ctx context.Context, telegramID int64, amount int64, reason string) (*model.Transaction, error) {
	account, err := s.accountRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	trans := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.ID,
		Type:          model.TransactionTypeDeposit,
		Amount:        amount,
		Status:        model.TransactionStatusSuccess,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance + amount,
		Description:   fmt.Sprintf("管理员调账-%s", reason),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if amount >= 0 {
			if err := s.accountRepo.Credit(ctx, tx, account.ID, amount); err != nil {
				return err
			}
		} else {
			if err := s.accountRepo.Debit(ctx, tx, account.ID, -amount); err != nil {
				return err
			}
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}
		msg := fmt.Sprintf("余额调整：%s ₽（%s）", payment.FormatAmount(amount), reason)
		return s.outboxRepo.EnqueueUser(ctx, tx, telegramID, msg)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Account] 调账: account=%d amount=%d reason=%s", account.ID, amount, reason)
	return trans, nil
}

// AdminUnbanKey 管理员解封密钥
// 只改密钥状态，banned_key_count 不回退
func (s *AccountService) AdminUnbanKey(ctx context.Context, keyID int64) error {
	if err := s.keyRepo.Unban(ctx, keyID); err != nil {
		return err
	}
	log.Printf("[Account] 密钥解封: key=%d", keyID)
	return nil
}

// ListPlans 可购买的资费计划列表
func (s *AccountService) ListPlans(ctx context.Context, planType string) ([]*model.TariffPlan, error) {
	return s.planRepo.ListActive(ctx, planType)
}

// AdminCreatePlan 管理员新增资费计划
func (s *AccountService) AdminCreatePlan(ctx context.Context, plan *model.TariffPlan) error {
	return s.planRepo.Create(ctx, plan)
}

// AdminUpdatePlan 管理员修改资费计划
func (s *AccountService) AdminUpdatePlan(ctx context.Context, plan *model.TariffPlan) error {
	return s.planRepo.Update(ctx, plan)
}

// AdminDeactivatePlan 下架资费计划，已售订阅不受影响
func (s *AccountService) AdminDeactivatePlan(ctx context.Context, planID int64) error {
	return s.planRepo.Deactivate(ctx, planID)
}

// GetWhitelistSettings 读取白名单售卖参数
func (s *AccountService) GetWhitelistSettings(ctx context.Context) (*model.WhitelistSettings, error) {
	return s.planRepo.GetWhitelistSettings(ctx)
}

// AdminUpdateWhitelistSettings 修改白名单售卖参数
func (s *AccountService) AdminUpdateWhitelistSettings(ctx context.Context, settings *model.WhitelistSettings) error {
	return s.planRepo.UpdateWhitelistSettings(ctx, settings)
}

// AdminUnbanAccount 管理员解封账户
func (s *AccountService) AdminUnbanAccount(ctx context.Context, accountID int64) error {
	if err := s.accountRepo.UnbanAccount(ctx, accountID); err != nil {
		return err
	}
	log.Printf("[Account] 账户解封: account=%d", accountID)
	return nil
}
