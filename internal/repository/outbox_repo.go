package repository

import (
	"context"

	"vpnpay/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.NotifyOutbox) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// EnqueueUser / EnqueueAdmin 便捷写入
// 与资金变更同一事务调用，保证入账成功则通知至少发一次
func (r *OutboxRepository) EnqueueUser(ctx context.Context, tx *gorm.DB, chatID int64, message string) error {
	return r.Create(ctx, tx, &model.NotifyOutbox{
		Target:  model.NotifyTargetUser,
		ChatID:  chatID,
		Message: message,
		Status:  model.OutboxStatusPending,
	})
}

func (r *OutboxRepository) EnqueueAdmin(ctx context.Context, tx *gorm.DB, message string) error {
	return r.Create(ctx, tx, &model.NotifyOutbox{
		Target:  model.NotifyTargetAdmin,
		Message: message,
		Status:  model.OutboxStatusPending,
	})
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.NotifyOutbox, error) {
	var messages []*model.NotifyOutbox
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&model.NotifyOutbox{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.NotifyOutbox{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.NotifyOutbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}
