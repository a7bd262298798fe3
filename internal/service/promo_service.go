package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"vpnpay/internal/config"
	"vpnpay/internal/model"
	"vpnpay/internal/payment"
	"vpnpay/internal/provision"
	"vpnpay/internal/repository"
	"vpnpay/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 促销码
// ============================================================================
//
// "每账户每码至多一次"不靠应用层判断，靠 (promo_code_id, account_id)
// 唯一索引：同一账户并发提交同一个码时，第二个 INSERT 撞唯一键，
// 码的效果（入账/折扣/延期）随事务一起回滚。
//
// 次数上限同理是条件更新：
//   UPDATE ... SET uses_count = uses_count + 1
//   WHERE uses_limit IS NULL OR uses_count < uses_limit
// 最后一次使用由数据库裁决，不存在"查了还有一次、用时已被抢"的窗口。
//
// ============================================================================

type PromoService struct {
	db          *gorm.DB
	cfg         *config.Config
	provisioner provision.Provisioner

	accountRepo     *repository.AccountRepository
	promoRepo       *repository.PromoRepository
	keyRepo         *repository.KeyRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewPromoService(db *gorm.DB, cfg *config.Config, provisioner provision.Provisioner) *PromoService {
	return &PromoService{
		db:              db,
		cfg:             cfg,
		provisioner:     provisioner,
		accountRepo:     repository.NewAccountRepository(db),
		promoRepo:       repository.NewPromoRepository(db),
		keyRepo:         repository.NewKeyRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type ApplyPromoResult struct {
	Type  string `json:"type"`
	Value int64  `json:"value"`
}

// ApplyPromo 兑换促销码
// 码不区分大小写，存储和比对用大写形态
func (s *PromoService) ApplyPromo(ctx context.Context, telegramID int64, code string) (*ApplyPromoResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, repository.ErrPromoNotFound
	}

	account, err := s.accountRepo.GetOrCreate(ctx, telegramID, "", nil, s.cfg.Business.DefaultReferralRate)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	if account.IsBanned {
		return nil, ErrAccountBanned
	}

	promo, err := s.promoRepo.GetActiveByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	// subscription 类型需要有可延期的密钥，事务外先定位
	var targetKey *model.VPNKey
	if promo.Type == model.PromoTypeSubscription {
		keys, err := s.keyRepo.ListByAccountID(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k.Status == model.KeyStatusActive {
				targetKey = k
				break
			}
		}
		if targetKey == nil {
			return nil, ErrPromoInvalid
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 唯一索引裁决"至多一次"，撞键时效果整体回滚
		if err := s.promoRepo.CreateRedemption(ctx, tx, promo.ID, account.ID); err != nil {
			return err
		}
		if err := s.promoRepo.IncrementUses(ctx, tx, promo.ID); err != nil {
			return err
		}

		switch promo.Type {
		case model.PromoTypeBalance:
			if err := s.accountRepo.Credit(ctx, tx, account.ID, promo.Value); err != nil {
				return err
			}
			trans := &model.Transaction{
				TransactionNo: idgen.GenerateTransactionNo(),
				AccountID:     account.ID,
				Type:          model.TransactionTypeDeposit,
				Amount:        promo.Value,
				Status:        model.TransactionStatusSuccess,
				BalanceBefore: account.Balance,
				BalanceAfter:  account.Balance + promo.Value,
				Description:   fmt.Sprintf("促销码-%s", code),
			}
			if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
				return err
			}
			msg := fmt.Sprintf("促销码已兑换：余额 +%s ₽", payment.FormatAmount(promo.Value))
			return s.outboxRepo.EnqueueUser(ctx, tx, telegramID, msg)

		case model.PromoTypeDiscount:
			if err := s.promoRepo.CreateDiscount(ctx, tx, account.ID, promo.Value); err != nil {
				return err
			}
			msg := fmt.Sprintf("促销码已兑换：下次购买享 %d%% 折扣", promo.Value)
			return s.outboxRepo.EnqueueUser(ctx, tx, telegramID, msg)

		case model.PromoTypeSubscription:
			newExpiry := targetKey.ExpiresAt.AddDate(0, 0, int(promo.Value))
			result := tx.WithContext(ctx).
				Model(&model.VPNKey{}).
				Where("id = ?", targetKey.ID).
				Update("expires_at", newExpiry)
			if result.Error != nil {
				return result.Error
			}
			msg := fmt.Sprintf("促销码已兑换：订阅延长 %d 天，有效期至 %s",
				promo.Value, newExpiry.Format("2006-01-02"))
			return s.outboxRepo.EnqueueUser(ctx, tx, telegramID, msg)

		default:
			return ErrPromoInvalid
		}
	})
	if err != nil {
		return nil, err
	}

	// 面板侧延期是尽力而为，失败不回滚兑换
	if promo.Type == model.PromoTypeSubscription && targetKey != nil {
		err := s.provisioner.Update(ctx, targetKey.KeyUUID, provision.KeyRequest{
			TelegramID:   telegramID,
			ExpiresAt:    targetKey.ExpiresAt.AddDate(0, 0, int(promo.Value)),
			TrafficLimit: targetKey.TrafficLimit,
			DeviceLimit:  targetKey.DeviceLimit,
			PlanType:     targetKey.PlanType,
		})
		if err != nil {
			log.Printf("[Promo] 面板延期失败: key=%s err=%v", targetKey.KeyUUID, err)
		}
	}

	log.Printf("[Promo] 兑换成功: account=%d code=%s type=%s", account.ID, code, promo.Type)
	return &ApplyPromoResult{Type: promo.Type, Value: promo.Value}, nil
}

// CreatePromo 管理端发码
func (s *PromoService) CreatePromo(ctx context.Context, code, promoType string, value int64, usesLimit *int, expiresAt *time.Time) (*model.PromoCode, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch promoType {
	case model.PromoTypeBalance, model.PromoTypeDiscount, model.PromoTypeSubscription:
	default:
		return nil, ErrPromoInvalid
	}
	if value <= 0 {
		return nil, ErrPromoInvalid
	}
	if promoType == model.PromoTypeDiscount && value > 100 {
		return nil, ErrPromoInvalid
	}

	promo := &model.PromoCode{
		Code:      code,
		Type:      promoType,
		Value:     value,
		UsesLimit: usesLimit,
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	if err := s.promoRepo.Create(ctx, promo); err != nil {
		return nil, err
	}
	return promo, nil
}
