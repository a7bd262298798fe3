package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"vpnpay/internal/config"
	"vpnpay/internal/model"
	"vpnpay/internal/provision"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 测试库用文件型 sqlite，行为与生产 MySQL 对齐的关键是
// TranslateError：唯一键冲突两边都要翻译成 gorm.ErrDuplicatedKey
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&model.Account{},
		&model.VPNKey{},
		&model.Transaction{},
		&model.PromoCode{},
		&model.PromoRedemption{},
		&model.AccountDiscount{},
		&model.DailyTrafficStat{},
		&model.TariffPlan{},
		&model.WhitelistSettings{},
		&model.SavedPaymentMethod{},
		&model.NotifyOutbox{},
	)
	require.NoError(t, err)
	return db
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyBusinessDefaults(&cfg.Business)
	return cfg
}

// fakePanel 内存面板，替代外部开通系统
type fakePanel struct {
	mu          sync.Mutex
	failNext    bool
	provisioned int
	revoked     []string
}

func (f *fakePanel) Provision(_ context.Context, _ provision.KeyRequest) (*provision.KeyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return nil, provision.ErrPanelUnavailable
	}
	f.provisioned++
	return &provision.KeyResult{
		KeyUUID:   fmt.Sprintf("test-key-%d", f.provisioned),
		AccessURL: fmt.Sprintf("vless://test-key-%d@example.com:443", f.provisioned),
	}, nil
}

func (f *fakePanel) Update(_ context.Context, _ string, _ provision.KeyRequest) error {
	return nil
}

func (f *fakePanel) Revoke(_ context.Context, keyUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, keyUUID)
	return nil
}

// fakeCharger 免密扣费桩，默认一律失败
type fakeCharger struct {
	mu      sync.Mutex
	succeed bool
	charges []int64
}

func (f *fakeCharger) ChargeSaved(_ context.Context, _ string, amount int64, _ int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.succeed {
		return "", fmt.Errorf("扣费被渠道拒绝")
	}
	f.charges = append(f.charges, amount)
	return fmt.Sprintf("auto-charge-%d", len(f.charges)), nil
}

// fakeRefunder 渠道退款桩
type fakeRefunder struct {
	mu      sync.Mutex
	fail    bool
	refunds []string
}

func (f *fakeRefunder) CreateRefund(_ context.Context, externalPaymentID string, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("渠道拒绝退款")
	}
	f.refunds = append(f.refunds, externalPaymentID)
	return fmt.Sprintf("refund-%d", len(f.refunds)), nil
}

// seedAccount 建一个带余额的测试账户
func seedAccount(t *testing.T, db *gorm.DB, telegramID, balance int64) *model.Account {
	t.Helper()
	account := &model.Account{
		TelegramID: telegramID,
		Balance:    balance,
		Status:     model.AccountStatusTrial,
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

// seedPlan 建一个资费计划
func seedPlan(t *testing.T, db *gorm.DB, price int64, days int) *model.TariffPlan {
	t.Helper()
	plan := &model.TariffPlan{
		PlanType:     model.PlanTypeVPN,
		Name:         fmt.Sprintf("%d天", days),
		Price:        price,
		DurationDays: days,
		IsActive:     true,
	}
	require.NoError(t, db.Create(plan).Error)
	return plan
}

func accountBalance(t *testing.T, db *gorm.DB, accountID int64) int64 {
	t.Helper()
	var account model.Account
	require.NoError(t, db.First(&account, accountID).Error)
	return account.Balance
}

func countTransactions(t *testing.T, db *gorm.DB, accountID int64, txType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.Transaction{}).
		Where("account_id = ? AND type = ?", accountID, txType).
		Count(&count).Error)
	return count
}
