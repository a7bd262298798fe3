package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vpnpay/internal/model"
	"vpnpay/internal/infrastructure/lock"
	"vpnpay/internal/payment"
	"vpnpay/internal/repository"
	"vpnpay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================================================
// 退款（管理端）
// ============================================================================
//
// 只有 Success 状态的 deposit 流水可退，且整笔退。顺序：
//   1. 按流水加锁，挡住重复点击
//   2. 渠道侧先退 —— 渠道退不了就什么都不改
//   3. 本地事务：Success -> Refunded（条件更新，只能成功一次）
//      + 余额扣回（扣到 0 为止，钱已花掉的部分不追负）
//      + 落一条 refund 流水
//
// 余额不足整笔扣回时按现有余额扣 —— 用户已消费的部分体现在
// 订阅流水里，不在这里追偿。
//
// ============================================================================

type RefundService struct {
	db          *gorm.DB
	redisClient *redis.Client
	refunder    payment.Refunder

	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewRefundService(db *gorm.DB, redisClient *redis.Client, refunder payment.Refunder) *RefundService {
	return &RefundService{
		db:              db,
		redisClient:     redisClient,
		refunder:        refunder,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type RefundResult struct {
	RefundNo string `json:"refund_no"`
	Amount   int64  `json:"amount"`
	Debited  int64  `json:"debited"` // 实际从余额扣回的金额
}

// RefundDeposit 对一笔充值执行退款
func (s *RefundService) RefundDeposit(ctx context.Context, transactionID int64) (*RefundResult, error) {
	trans, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if trans.Type != model.TransactionTypeDeposit ||
		trans.Status != model.TransactionStatusSuccess ||
		trans.ExternalPaymentID == nil {
		return nil, ErrRefundNotAllowed
	}

	requestID := uuid.NewString()
	refundLock := lock.NewRefundLock(s.redisClient, trans.ID, requestID)
	ok, err := refundLock.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("该流水正在退款中")
	}
	defer refundLock.Unlock(ctx)

	account, err := s.accountRepo.GetByID(ctx, trans.AccountID)
	if err != nil {
		return nil, err
	}

	// 渠道侧先退，本地什么都没改，失败可安全重试
	if _, err := s.refunder.CreateRefund(ctx, *trans.ExternalPaymentID, trans.Amount); err != nil {
		return nil, fmt.Errorf("渠道退款失败: %w", err)
	}

	// 钱已花掉的部分不追负，按现有余额扣
	debit := trans.Amount
	if account.Balance < debit {
		debit = account.Balance
	}

	refundNo := idgen.GenerateRefundNo()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 条件更新 Success -> Refunded，并发重试只有一个会成功
		if err := s.transactionRepo.MarkRefunded(ctx, tx, trans.ID); err != nil {
			return err
		}
		if debit > 0 {
			if err := s.accountRepo.Debit(ctx, tx, account.ID, debit); err != nil {
				return err
			}
		}
		refund := &model.Transaction{
			TransactionNo: refundNo,
			AccountID:     account.ID,
			Type:          model.TransactionTypeRefund,
			Amount:        -debit,
			Status:        model.TransactionStatusSuccess,
			Provider:      trans.Provider,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - debit,
			Description:   fmt.Sprintf("退款-%s", trans.TransactionNo),
			RefundedAt:    timePtr(time.Now()),
		}
		if err := s.transactionRepo.Create(ctx, tx, refund); err != nil {
			return err
		}
		msg := fmt.Sprintf("充值 %s ₽ 已退款", payment.FormatAmount(trans.Amount))
		return s.outboxRepo.EnqueueUser(ctx, tx, account.TelegramID, msg)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Refund] 退款完成: tx=%d amount=%d debited=%d", trans.ID, trans.Amount, debit)
	return &RefundResult{RefundNo: refundNo, Amount: trans.Amount, Debited: debit}, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
