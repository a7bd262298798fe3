package repository

import (
	"context"
	"errors"
	"time"

	"vpnpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPromoNotFound    = errors.New("促销码不存在或已失效")
	ErrPromoExhausted   = errors.New("促销码已用尽")
	ErrPromoAlreadyUsed = errors.New("该促销码已被此账户使用")
)

type PromoRepository struct {
	db *gorm.DB
}

func NewPromoRepository(db *gorm.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

// GetActiveByCode 按归一化后的码查找有效促销码
// 失活与过期一并在这里挡掉，统一表现为"不存在"
func (r *PromoRepository) GetActiveByCode(ctx context.Context, code string) (*model.PromoCode, error) {
	var promo model.PromoCode
	err := r.db.WithContext(ctx).
		Where("code = ? AND is_active = ?", code, true).
		First(&promo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPromoNotFound
		}
		return nil, err
	}
	if promo.ExpiresAt != nil && promo.ExpiresAt.Before(time.Now()) {
		return nil, ErrPromoNotFound
	}
	return &promo, nil
}

// CreateRedemption 写入兑换记录
// (promo_code_id, account_id) 唯一索引是并发兑换的最终防线：
// 两个请求同时通过预检查时，后插入的一方在这里撞 ErrDuplicatedKey
func (r *PromoRepository) CreateRedemption(ctx context.Context, tx *gorm.DB, promoID, accountID int64) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(&model.PromoRedemption{
		PromoCodeID: promoID,
		AccountID:   accountID,
	}).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrPromoAlreadyUsed
		}
		return err
	}
	return nil
}

// HasRedemption 预检查：是否已兑换过（快速失败路径，非最终判据）
func (r *PromoRepository) HasRedemption(ctx context.Context, promoID, accountID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.PromoRedemption{}).
		Where("promo_code_id = ? AND account_id = ?", promoID, accountID).
		Count(&count).Error
	return count > 0, err
}

// IncrementUses 使用计数 +1，带用尽上限条件
// uses_limit 为 NULL 表示不限次数
func (r *PromoRepository) IncrementUses(ctx context.Context, tx *gorm.DB, promoID int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.PromoCode{}).
		Where("id = ? AND (uses_limit IS NULL OR uses_count < uses_limit)", promoID).
		UpdateColumn("uses_count", gorm.Expr("uses_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPromoExhausted
	}
	return nil
}

// CreateDiscount 记录折扣待消费
func (r *PromoRepository) CreateDiscount(ctx context.Context, tx *gorm.DB, accountID, percent int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&model.AccountDiscount{
		AccountID: accountID,
		Percent:   percent,
	}).Error
}

// ConsumePendingDiscount 取出并消费账户最早的未用折扣，没有则返回 0
func (r *PromoRepository) ConsumePendingDiscount(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var discount model.AccountDiscount
	err := tx.WithContext(ctx).
		Where("account_id = ? AND consumed = ?", accountID, false).
		Order("created_at ASC").
		First(&discount).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	result := tx.WithContext(ctx).
		Model(&model.AccountDiscount{}).
		Where("id = ? AND consumed = ?", discount.ID, false).
		Update("consumed", true)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		// 并发消费被抢先，视为没有折扣
		return 0, nil
	}
	return discount.Percent, nil
}

func (r *PromoRepository) Create(ctx context.Context, promo *model.PromoCode) error {
	return r.db.WithContext(ctx).Create(promo).Error
}
