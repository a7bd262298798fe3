package repository

import (
	"context"
	"errors"
	"time"

	"vpnpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrKeyNotFound      = errors.New("密钥不存在")
	ErrKeyStatusInvalid = errors.New("密钥状态不允许该操作")
)

type KeyRepository struct {
	db *gorm.DB
}

func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) GetByUUID(ctx context.Context, keyUUID string) (*model.VPNKey, error) {
	var key model.VPNKey
	err := r.db.WithContext(ctx).Where("key_uuid = ?", keyUUID).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (r *KeyRepository) GetByID(ctx context.Context, id int64) (*model.VPNKey, error) {
	var key model.VPNKey
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (r *KeyRepository) ListByAccountID(ctx context.Context, accountID int64) ([]*model.VPNKey, error) {
	var keys []*model.VPNKey
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&keys).Error
	return keys, err
}

// Upsert 购买/续费后落库：同一 key_uuid 已存在则刷新，否则新建
func (r *KeyRepository) Upsert(ctx context.Context, tx *gorm.DB, key *model.VPNKey) error {
	if tx == nil {
		tx = r.db
	}
	var existing model.VPNKey
	err := tx.WithContext(ctx).Where("key_uuid = ?", key.KeyUUID).First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.WithContext(ctx).Create(key).Error
		}
		return err
	}
	return tx.WithContext(ctx).
		Model(&model.VPNKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"status":        model.KeyStatusActive,
			"expires_at":    key.ExpiresAt,
			"traffic_limit": key.TrafficLimit,
			"device_limit":  key.DeviceLimit,
			"plan_type":     key.PlanType,
			"access_url":    key.AccessURL,
		}).Error
}

// UpdateStatus 状态流转，走白名单校验
// 条件 UPDATE 保证并发下同一流转只生效一次
func (r *KeyRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, keyID int64, fromStatus, toStatus string) error {
	if !model.CanKeyTransitionTo(fromStatus, toStatus) {
		return ErrKeyStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.VPNKey{}).
		Where("id = ? AND status = ?", keyID, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrKeyStatusInvalid
	}
	return nil
}

// Ban 封禁密钥（绕过白名单，风控专用，终态）
func (r *KeyRepository) Ban(ctx context.Context, tx *gorm.DB, keyID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.VPNKey{}).
		Where("id = ?", keyID).
		Update("status", model.KeyStatusBanned).Error
}

// Unban 管理员解封，不走普通流转白名单
func (r *KeyRepository) Unban(ctx context.Context, keyID int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.VPNKey{}).
		Where("id = ? AND status = ?", keyID, model.KeyStatusBanned).
		Update("status", model.KeyStatusActive)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrKeyStatusInvalid
	}
	return nil
}

// AddTraffic 累计已用流量
func (r *KeyRepository) AddTraffic(ctx context.Context, tx *gorm.DB, keyID int64, bytes int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.VPNKey{}).
		Where("id = ?", keyID).
		UpdateColumn("traffic_used", gorm.Expr("traffic_used + ?", bytes)).Error
}

// ExtendTrafficLimit 自动扣费成功后加量
func (r *KeyRepository) ExtendTrafficLimit(ctx context.Context, tx *gorm.DB, keyID int64, bytes int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.VPNKey{}).
		Where("id = ?", keyID).
		UpdateColumn("traffic_limit", gorm.Expr("traffic_limit + ?", bytes)).Error
}

// TouchDevice 记录最近设备指纹与活跃时间
func (r *KeyRepository) TouchDevice(ctx context.Context, tx *gorm.DB, keyID int64, hwidHash string) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	return tx.WithContext(ctx).
		Model(&model.VPNKey{}).
		Where("id = ?", keyID).
		Updates(map[string]interface{}{
			"hwid_hash":    hwidHash,
			"last_seen_at": &now,
		}).Error
}

// GetExpiredKeys 已过期但仍处于活跃/暂停状态的密钥
func (r *KeyRepository) GetExpiredKeys(ctx context.Context, limit int) ([]*model.VPNKey, error) {
	var keys []*model.VPNKey
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?",
			[]string{model.KeyStatusActive, model.KeyStatusSuspended}, time.Now()).
		Limit(limit).
		Find(&keys).Error
	return keys, err
}
