package repository

import (
	"context"
	"errors"
	"time"

	"vpnpay/internal/model"

	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("流水不存在")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 追加一条流水
// 充值类流水带 (external_payment_id, provider)，撞唯一索引时 gorm 返回
// ErrDuplicatedKey —— 调用方以此识别 webhook 重放
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetByExternalID 按幂等键查找充值流水
func (r *TransactionRepository) GetByExternalID(ctx context.Context, provider, externalID string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).
		Where("provider = ? AND external_payment_id = ?", provider, externalID).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// MarkRefunded 流水唯一允许的状态变更 Success -> Refunded
// 条件 UPDATE：已退款的流水再次退款不会生效
func (r *TransactionRepository) MarkRefunded(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusSuccess).
		Updates(map[string]interface{}{
			"status":      model.TransactionStatusRefunded,
			"refunded_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumDepositsByAccounts 多个账户 Success 充值流水的总额（戈比）
// 推荐收益是实时聚合出来的，从不落库
func (r *TransactionRepository) SumDepositsByAccounts(ctx context.Context, accountIDs []int64) (int64, error) {
	if len(accountIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id IN ? AND type = ? AND status = ?",
			accountIDs, model.TransactionTypeDeposit, model.TransactionStatusSuccess).
		Scan(&total).Error
	return total, err
}

// SumDepositsByAccount 单个账户的充值总额
func (r *TransactionRepository) SumDepositsByAccount(ctx context.Context, accountID int64) (int64, error) {
	return r.SumDepositsByAccounts(ctx, []int64{accountID})
}

// SumReferralPayouts 推荐收益已发放总额（提现 + 转入主余额）
// transfer 行金额为正（主余额入账），withdrawal 行为负，统一取绝对值
func (r *TransactionRepository) SumReferralPayouts(ctx context.Context, accountID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(ABS(amount)), 0)").
		Where("account_id = ? AND type IN ? AND status = ?",
			accountID,
			[]string{model.TransactionTypeWithdrawal, model.TransactionTypeTransfer},
			model.TransactionStatusSuccess).
		Scan(&total).Error
	return total, err
}

// CountByExternalID 按幂等键统计 Success 流水条数（测试与对账用）
func (r *TransactionRepository) CountByExternalID(ctx context.Context, provider, externalID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("provider = ? AND external_payment_id = ? AND status = ?",
			provider, externalID, model.TransactionStatusSuccess).
		Count(&count).Error
	return count, err
}
