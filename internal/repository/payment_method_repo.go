package repository

import (
	"context"
	"errors"

	"vpnpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrPaymentMethodNotFound = errors.New("保存的支付方式不存在")

type PaymentMethodRepository struct {
	db *gorm.DB
}

func NewPaymentMethodRepository(db *gorm.DB) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db}
}

// Save 保存/刷新支付方式，(account, provider, method_id) 冲突时覆盖
func (r *PaymentMethodRepository) Save(ctx context.Context, tx *gorm.DB, method *model.SavedPaymentMethod) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "account_id"}, {Name: "provider"}, {Name: "payment_method_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"method_type", "card_last4", "card_brand", "is_active"}),
		}).
		Create(method).Error
}

func (r *PaymentMethodRepository) GetActive(ctx context.Context, accountID int64, provider string) (*model.SavedPaymentMethod, error) {
	var method model.SavedPaymentMethod
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND provider = ? AND is_active = ?", accountID, provider, true).
		Order("updated_at DESC").
		First(&method).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return &method, nil
}

func (r *PaymentMethodRepository) Deactivate(ctx context.Context, accountID, methodID int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.SavedPaymentMethod{}).
		Where("id = ? AND account_id = ?", methodID, accountID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPaymentMethodNotFound
	}
	return nil
}
