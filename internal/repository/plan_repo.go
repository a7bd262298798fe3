package repository

import (
	"context"
	"errors"

	"vpnpay/internal/model"

	"gorm.io/gorm"
)

var ErrPlanNotFound = errors.New("资费计划不存在")

type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) GetByID(ctx context.Context, id int64) (*model.TariffPlan, error) {
	var plan model.TariffPlan
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}

func (r *PlanRepository) ListActive(ctx context.Context, planType string) ([]*model.TariffPlan, error) {
	var plans []*model.TariffPlan
	err := r.db.WithContext(ctx).
		Where("plan_type = ? AND is_active = ?", planType, true).
		Order("sort_order ASC").
		Find(&plans).Error
	return plans, err
}

func (r *PlanRepository) Create(ctx context.Context, plan *model.TariffPlan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *PlanRepository) Update(ctx context.Context, plan *model.TariffPlan) error {
	result := r.db.WithContext(ctx).
		Model(&model.TariffPlan{}).
		Where("id = ?", plan.ID).
		Updates(map[string]interface{}{
			"name":          plan.Name,
			"price":         plan.Price,
			"duration_days": plan.DurationDays,
			"is_active":     plan.IsActive,
			"sort_order":    plan.SortOrder,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (r *PlanRepository) Deactivate(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.TariffPlan{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// GetWhitelistSettings 取 whitelist 计费参数（单行表，不存在则给默认值）
func (r *PlanRepository) GetWhitelistSettings(ctx context.Context) (*model.WhitelistSettings, error) {
	var settings model.WhitelistSettings
	err := r.db.WithContext(ctx).First(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			defaults := &model.WhitelistSettings{
				PricingType:        model.WhitelistPricingFlat,
				SubscriptionFee:    10000,
				PricePerGB:         1500,
				MinGB:              5,
				MaxGB:              500,
				AutoPayEnabled:     true,
				AutoPayThresholdMB: 100,
			}
			if err := r.db.WithContext(ctx).Create(defaults).Error; err != nil {
				return nil, err
			}
			return defaults, nil
		}
		return nil, err
	}
	return &settings, nil
}

func (r *PlanRepository) UpdateWhitelistSettings(ctx context.Context, settings *model.WhitelistSettings) error {
	return r.db.WithContext(ctx).Save(settings).Error
}
