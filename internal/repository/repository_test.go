package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"vpnpay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Account{},
		&model.VPNKey{},
		&model.Transaction{},
		&model.PromoCode{},
		&model.PromoRedemption{},
		&model.DailyTrafficStat{},
	))
	return db
}

func TestLedgerDebit(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account := &model.Account{TelegramID: 1, Balance: 10000}
	require.NoError(t, db.Create(account).Error)

	t.Run("余额充足扣款成功", func(t *testing.T) {
		require.NoError(t, repo.Debit(ctx, nil, account.ID, 3000))
		fresh, err := repo.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(7000), fresh.Balance)
	})

	t.Run("余额不足拒绝", func(t *testing.T) {
		err := repo.Debit(ctx, nil, account.ID, 8000)
		assert.ErrorIs(t, err, ErrBalanceNotEnough)
		fresh, _ := repo.GetByID(ctx, account.ID)
		assert.Equal(t, int64(7000), fresh.Balance)
	})

	t.Run("不存在的账户", func(t *testing.T) {
		err := repo.Debit(ctx, nil, 9999, 1)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

// 并发扣款不允许超扣：10 个 3000 的扣款打向余额 10000，
// 恰好 3 笔成功，余额 1000，永不为负
func TestLedgerDebitConcurrent(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account := &model.Account{TelegramID: 2, Balance: 10000}
	require.NoError(t, db.Create(account).Error)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Debit(ctx, nil, account.ID, 3000); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	fresh, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), fresh.Balance)
}

func TestLedgerDebitWithFloor(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	account := &model.Account{TelegramID: 3, Balance: 1000}
	require.NoError(t, db.Create(account).Error)

	// 1000 - 1500 = -500，在 -1500 下限内
	require.NoError(t, repo.DebitWithFloor(ctx, nil, account.ID, 1500, -1500))
	fresh, _ := repo.GetByID(ctx, account.ID)
	assert.Equal(t, int64(-500), fresh.Balance)

	// -500 - 1500 = -2000，穿透下限
	err := repo.DebitWithFloor(ctx, nil, account.ID, 1500, -1500)
	assert.ErrorIs(t, err, ErrFloorBreached)
	fresh, _ = repo.GetByID(ctx, account.ID)
	assert.Equal(t, int64(-500), fresh.Balance)

	// 普通扣款对负余额一律拒绝
	err = repo.Debit(ctx, nil, account.ID, 100)
	assert.ErrorIs(t, err, ErrBalanceNotEnough)
}

func TestTransactionDedup(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	externalID := "ext-1"
	first := &model.Transaction{
		TransactionNo: "TXN-1", AccountID: 1, Type: model.TransactionTypeDeposit,
		Amount: 100, Status: model.TransactionStatusSuccess,
		Provider: "YooKassa", ExternalPaymentID: &externalID,
	}
	require.NoError(t, repo.Create(ctx, nil, first))

	// 同渠道同支付ID撞唯一键
	dup := &model.Transaction{
		TransactionNo: "TXN-2", AccountID: 1, Type: model.TransactionTypeDeposit,
		Amount: 100, Status: model.TransactionStatusSuccess,
		Provider: "YooKassa", ExternalPaymentID: &externalID,
	}
	err := repo.Create(ctx, nil, dup)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// 不同渠道不冲突
	other := &model.Transaction{
		TransactionNo: "TXN-3", AccountID: 1, Type: model.TransactionTypeDeposit,
		Amount: 100, Status: model.TransactionStatusSuccess,
		Provider: "Heleket", ExternalPaymentID: &externalID,
	}
	require.NoError(t, repo.Create(ctx, nil, other))
}

func TestMarkRefundedOnce(t *testing.T) {
	db := newTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	externalID := "ext-rf"
	trans := &model.Transaction{
		TransactionNo: "TXN-rf", AccountID: 1, Type: model.TransactionTypeDeposit,
		Amount: 100, Status: model.TransactionStatusSuccess,
		Provider: "YooKassa", ExternalPaymentID: &externalID,
	}
	require.NoError(t, repo.Create(ctx, nil, trans))

	require.NoError(t, repo.MarkRefunded(ctx, nil, trans.ID))
	// 第二次改写被条件更新挡住
	err := repo.MarkRefunded(ctx, nil, trans.ID)
	assert.Error(t, err)
}

func TestPromoRedemptionUnique(t *testing.T) {
	db := newTestDB(t)
	repo := NewPromoRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateRedemption(ctx, nil, 1, 10))
	err := repo.CreateRedemption(ctx, nil, 1, 10)
	assert.ErrorIs(t, err, ErrPromoAlreadyUsed)

	// 别的账户不受影响
	require.NoError(t, repo.CreateRedemption(ctx, nil, 1, 11))
}

func TestPromoIncrementUses(t *testing.T) {
	db := newTestDB(t)
	repo := NewPromoRepository(db)
	ctx := context.Background()

	limit := 2
	promo := &model.PromoCode{Code: "LIM", Type: model.PromoTypeBalance, Value: 1, UsesLimit: &limit, IsActive: true}
	require.NoError(t, repo.Create(ctx, promo))

	require.NoError(t, repo.IncrementUses(ctx, nil, promo.ID))
	require.NoError(t, repo.IncrementUses(ctx, nil, promo.ID))
	err := repo.IncrementUses(ctx, nil, promo.ID)
	assert.ErrorIs(t, err, ErrPromoExhausted)
}

func TestDailyTrafficAccumulate(t *testing.T) {
	db := newTestDB(t)
	repo := NewTrafficRepository(db)
	ctx := context.Background()

	total, err := repo.AddDailyTraffic(ctx, nil, 1, 1, "2026-08-30", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)

	// 同日二次上报走 upsert 累加
	total, err = repo.AddDailyTraffic(ctx, nil, 1, 1, "2026-08-30", 250)
	require.NoError(t, err)
	assert.Equal(t, int64(350), total)

	// 换日重新计
	total, err = repo.AddDailyTraffic(ctx, nil, 1, 1, "2026-08-31", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)
}
