package repository

import (
	"context"
	"errors"

	"vpnpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrFloorBreached    = errors.New("超出允许的负余额下限")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

// ============================================================================
// 账本（Ledger）
// ============================================================================
//
// 【为什么不允许"先读后写"？】
//
// 场景：webhook 入账和用户购买同时命中同一账户
//
//   goroutine1: 读余额=100 -> 判断足够 -> 写余额=0      OK
//   goroutine2: 读余额=100 -> 判断足够 -> 写余额=0     超扣了！
//
// 所以余额变更必须是单条带条件的 UPDATE：
//
//   UPDATE account SET balance = balance - ? WHERE id = ? AND balance >= ?
//
// 读、判断、写在数据库里一次完成，RowsAffected = 0 即扣款被拒绝。
// 本仓库绝不向调用方暴露"读余额 + 写余额"的组合，所有变更走这里。
//
// ============================================================================

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 首次接触即建档
// 并发创建靠 telegram_id 唯一索引 + DoNothing 兜底
func (r *AccountRepository) GetOrCreate(ctx context.Context, telegramID int64, username string, referredBy *int64, referralRate int) (*model.Account, error) {
	account, err := r.GetByTelegramID(ctx, telegramID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		TelegramID:   telegramID,
		Username:     username,
		Balance:      0,
		Status:       model.AccountStatusTrial,
		ReferredBy:   referredBy,
		ReferralRate: referralRate,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, err
	}

	return r.GetByTelegramID(ctx, telegramID)
}

// Credit 入账（无条件原子加）
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, accountID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Debit 扣款，要求扣后余额 >= 0
// 余额不足返回 ErrBalanceNotEnough —— 这是正常业务结果，不是服务端错误
func (r *AccountRepository) Debit(ctx context.Context, tx *gorm.DB, accountID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND balance >= ?", accountID, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		account, err := r.GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}
	return nil
}

// DebitWithFloor 带负余额下限的扣款，仅供流量自动扣费路径使用
// floor 为负数（如 -1500），扣后余额不得低于 floor
func (r *AccountRepository) DebitWithFloor(ctx context.Context, tx *gorm.DB, accountID int64, amount int64, floor int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND balance - ? >= ?", accountID, amount, floor).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, accountID); err != nil {
			return err
		}
		return ErrFloorBreached
	}
	return nil
}

// MarkTrialUsed 标记试用已消耗
func (r *AccountRepository) MarkTrialUsed(ctx context.Context, tx *gorm.DB, accountID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		Update("trial_used", true).Error
}

// IncrementBannedKeys 封禁密钥计数 +1，返回新计数
// 计数只增不减 —— 解封不清零，是否需要申诉重置由产品层决定
func (r *AccountRepository) IncrementBannedKeys(ctx context.Context, tx *gorm.DB, accountID int64) (int, error) {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("banned_key_count", gorm.Expr("banned_key_count + 1")).Error
	if err != nil {
		return 0, err
	}
	var account model.Account
	if err := tx.WithContext(ctx).Select("banned_key_count").Where("id = ?", accountID).First(&account).Error; err != nil {
		return 0, err
	}
	return account.BannedKeyCount, nil
}

// BanAccount 软封禁账户
func (r *AccountRepository) BanAccount(ctx context.Context, tx *gorm.DB, accountID int64, reason string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"is_banned":  true,
			"ban_reason": reason,
			"status":     model.AccountStatusBanned,
		}).Error
}

// UnbanAccount 解除账户封禁，banned_key_count 保持不变
func (r *AccountRepository) UnbanAccount(ctx context.Context, accountID int64) error {
	return r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"is_banned":  false,
			"ban_reason": "",
			"status":     model.AccountStatusActive,
		}).Error
}

// UpdateStatus 更新账户状态
func (r *AccountRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, accountID int64, status string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		Update("status", status).Error
}

// CreditReferral 推荐收益入账
func (r *AccountRepository) CreditReferral(ctx context.Context, tx *gorm.DB, accountID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("referral_balance", gorm.Expr("referral_balance + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DebitReferral 推荐余额扣减（提现/转账），条件 UPDATE 防超扣
func (r *AccountRepository) DebitReferral(ctx context.Context, tx *gorm.DB, accountID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND referral_balance >= ?", accountID, amount).
		UpdateColumn("referral_balance", gorm.Expr("referral_balance - ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotEnough
	}
	return nil
}

// ListReferredBy 某账户名下的全部被推荐账户
func (r *AccountRepository) ListReferredBy(ctx context.Context, accountID int64) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("referred_by = ?", accountID).
		Order("created_at DESC").
		Find(&accounts).Error
	return accounts, err
}
