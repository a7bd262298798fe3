package repository

import (
	"context"
	"errors"

	"vpnpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TrafficRepository struct {
	db *gorm.DB
}

func NewTrafficRepository(db *gorm.DB) *TrafficRepository {
	return &TrafficRepository{db: db}
}

// AddDailyTraffic 累加某密钥当日流量，返回累加后的当日总量（字节）
// (vpn_key_id, date) 唯一索引 + ON CONFLICT 累加，upsert 在数据库侧原子完成
func (r *TrafficRepository) AddDailyTraffic(ctx context.Context, tx *gorm.DB, keyID, accountID int64, date string, bytes int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	stat := &model.DailyTrafficStat{
		VPNKeyID:     keyID,
		AccountID:    accountID,
		Date:         date,
		TrafficBytes: bytes,
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "vpn_key_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"traffic_bytes": gorm.Expr("traffic_bytes + ?", bytes),
			}),
		}).
		Create(stat).Error
	if err != nil {
		return 0, err
	}

	var current model.DailyTrafficStat
	err = tx.WithContext(ctx).
		Where("vpn_key_id = ? AND date = ?", keyID, date).
		First(&current).Error
	if err != nil {
		return 0, err
	}
	return current.TrafficBytes, nil
}

// GetDailyTraffic 某密钥某日累计流量（字节）
func (r *TrafficRepository) GetDailyTraffic(ctx context.Context, keyID int64, date string) (int64, error) {
	var stat model.DailyTrafficStat
	err := r.db.WithContext(ctx).
		Where("vpn_key_id = ? AND date = ?", keyID, date).
		First(&stat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return stat.TrafficBytes, nil
}
