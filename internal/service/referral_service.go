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

// ============================================================================
// 推荐分成
// ============================================================================
//
// 收益口径：被推荐账户的 Success 充值总额 × 分成比例，每次查询
// 实时聚合流水算出来，不做每笔充值时的增量累计。
// 好处是退款后口径自动收窄（Refunded 不计入），没有对账缺口。
//
// referral_balance 列只存"已同步到可提现余额"的部分：
//   应得 = SUM(充值) × rate / 100
//   已处理 = referral_balance + 已发放（提现/转账流水）
//   差额 > 0 时补记入 referral_balance
// 提现/转账从 referral_balance 条件扣减，超扣由 UPDATE 条件兜底。
//
// ============================================================================

type ReferralService struct {
	db  *gorm.DB
	cfg *config.Config

	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewReferralService(db *gorm.DB, cfg *config.Config) *ReferralService {
	return &ReferralService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type ReferralStats struct {
	ReferralCount int   `json:"referral_count"`
	TotalDeposits int64 `json:"total_deposits"` // 被推荐人充值总额（戈比）
	TotalEarned   int64 `json:"total_earned"`   // 应得收益（戈比）
	Available     int64 `json:"available"`      // 可提现余额（戈比）
	Rate          int   `json:"rate"`
}

// Stats 查询推荐统计，顺便把新产生的收益同步进可提现余额
func (s *ReferralService) Stats(ctx context.Context, telegramID int64) (*ReferralStats, error) {
	account, err := s.accountRepo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	return s.syncAndStats(ctx, account)
}

func (s *ReferralService) syncAndStats(ctx context.Context, account *model.Account) (*ReferralStats, error) {
	referred, err := s.accountRepo.ListReferredBy(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(referred))
	for _, a := range referred {
		ids = append(ids, a.ID)
	}

	deposits, err := s.transactionRepo.SumDepositsByAccounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	earned := deposits * int64(account.ReferralRate) / 100

	paidOut, err := s.transactionRepo.SumReferralPayouts(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	// 应得超过已处理的部分补进可提现余额
	delta := earned - (account.ReferralBalance + paidOut)
	if delta > 0 {
		if err := s.accountRepo.CreditReferral(ctx, nil, account.ID, delta); err != nil {
			return nil, err
		}
		account.ReferralBalance += delta
	}

	return &ReferralStats{
		ReferralCount: len(referred),
		TotalDeposits: deposits,
		TotalEarned:   earned,
		Available:     account.ReferralBalance,
		Rate:          account.ReferralRate,
	}, nil
}

// 提现方式
const (
	WithdrawMethodTransfer = "transfer" // 转入主余额，即时到账
	WithdrawMethodCard     = "card"     // 银行卡，人工打款
	WithdrawMethodCrypto   = "crypto"   // 加密货币，人工打款
)

// 卡/加密货币提现的最低额（戈比），低于此值手续费不划算
const minExternalWithdrawal = int64(10000)

type WithdrawRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	Method     string `json:"method" binding:"required"`
	Target     string `json:"target"` // 卡号或钱包地址
}

type WithdrawResult struct {
	TransactionNo string `json:"transaction_no"`
	Amount        int64  `json:"amount"`
	Method        string `json:"method"`
}

// Withdraw 提取推荐收益
// transfer 即时转入主余额，card/crypto 生成申请单由管理员处理
func (s *ReferralService) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResult, error) {
	account, err := s.accountRepo.GetByTelegramID(ctx, req.TelegramID)
	if err != nil {
		return nil, err
	}
	if account.IsBanned {
		return nil, ErrAccountBanned
	}

	// 先同步，把最新收益算进可提现余额
	if _, err := s.syncAndStats(ctx, account); err != nil {
		return nil, err
	}

	switch req.Method {
	case WithdrawMethodTransfer:
	case WithdrawMethodCard, WithdrawMethodCrypto:
		if req.Amount < minExternalWithdrawal {
			return nil, ErrWithdrawTooSmall
		}
	default:
		return nil, fmt.Errorf("不支持的提现方式: %s", req.Method)
	}

	txType := model.TransactionTypeTransfer
	txNo := idgen.GenerateTransactionNo()
	if req.Method != WithdrawMethodTransfer {
		txType = model.TransactionTypeWithdrawal
		txNo = idgen.GenerateWithdrawalNo()
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 条件扣减，可提现余额不足直接拒绝
		if err := s.accountRepo.DebitReferral(ctx, tx, account.ID, req.Amount); err != nil {
			return err
		}

		// transfer 行记主余额入账（正数），withdrawal 行记负数申请额；
		// withdrawal 走外部打款，主余额前后不变
		amount := -req.Amount
		balanceAfter := account.Balance
		if req.Method == WithdrawMethodTransfer {
			if err := s.accountRepo.Credit(ctx, tx, account.ID, req.Amount); err != nil {
				return err
			}
			amount = req.Amount
			balanceAfter = account.Balance + req.Amount
		}

		trans := &model.Transaction{
			TransactionNo: txNo,
			AccountID:     account.ID,
			Type:          txType,
			Amount:        amount,
			Status:        model.TransactionStatusSuccess,
			BalanceBefore: account.Balance,
			BalanceAfter:  balanceAfter,
			Description:   fmt.Sprintf("推荐收益提取-%s", req.Method),
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}

		if req.Method == WithdrawMethodTransfer {
			msg := fmt.Sprintf("推荐收益 %s ₽ 已转入余额", payment.FormatAmount(req.Amount))
			return s.outboxRepo.EnqueueUser(ctx, tx, req.TelegramID, msg)
		}
		adminMsg := fmt.Sprintf("提现申请: account=%d amount=%s method=%s target=%s",
			account.ID, payment.FormatAmount(req.Amount), req.Method, req.Target)
		if err := s.outboxRepo.EnqueueAdmin(ctx, tx, adminMsg); err != nil {
			return err
		}
		msg := fmt.Sprintf("提现申请已受理：%s ₽，管理员将在 24 小时内处理", payment.FormatAmount(req.Amount))
		return s.outboxRepo.EnqueueUser(ctx, tx, req.TelegramID, msg)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Referral] 提取: account=%d amount=%d method=%s", account.ID, req.Amount, req.Method)
	return &WithdrawResult{TransactionNo: txNo, Amount: req.Amount, Method: req.Method}, nil
}
