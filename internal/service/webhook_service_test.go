package service

import (
	"context"
	"sync"
	"testing"

	"vpnpay/internal/model"
	"vpnpay/internal/payment"
	"vpnpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depositNotice(externalID string, amount, telegramID int64) *payment.Notice {
	return &payment.Notice{
		Provider:   payment.ProviderYooKassa,
		ExternalID: externalID,
		Amount:     amount,
		TelegramID: telegramID,
	}
}

func TestProcessDeposit(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewWebhookService(db, cfg)
	ctx := context.Background()

	t.Run("首次回调入账并建档", func(t *testing.T) {
		result, err := svc.ProcessDeposit(ctx, depositNotice("yk-1", 50000, 100))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.NotEmpty(t, result.TransactionNo)

		var account model.Account
		require.NoError(t, db.Where("telegram_id = ?", int64(100)).First(&account).Error)
		assert.Equal(t, int64(50000), account.Balance)

		// 用户和管理员通知各一条
		var outboxCount int64
		require.NoError(t, db.Model(&model.NotifyOutbox{}).Count(&outboxCount).Error)
		assert.Equal(t, int64(2), outboxCount)
	})

	t.Run("重放只入账一次", func(t *testing.T) {
		result, err := svc.ProcessDeposit(ctx, depositNotice("yk-1", 50000, 100))
		require.NoError(t, err)
		assert.True(t, result.Duplicate)

		var account model.Account
		require.NoError(t, db.Where("telegram_id = ?", int64(100)).First(&account).Error)
		assert.Equal(t, int64(50000), account.Balance)

		transactionRepo := repository.NewTransactionRepository(db)
		count, err := transactionRepo.CountByExternalID(ctx, payment.ProviderYooKassa, "yk-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("同ID不同渠道是两笔钱", func(t *testing.T) {
		notice := depositNotice("yk-1", 30000, 100)
		notice.Provider = payment.ProviderHeleket
		result, err := svc.ProcessDeposit(ctx, notice)
		require.NoError(t, err)
		assert.False(t, result.Duplicate)

		var account model.Account
		require.NoError(t, db.Where("telegram_id = ?", int64(100)).First(&account).Error)
		assert.Equal(t, int64(80000), account.Balance)
	})

	t.Run("保存支付方式留给自动扣费", func(t *testing.T) {
		notice := depositNotice("yk-2", 10000, 200)
		notice.SavedMethod = &payment.SavedMethod{
			MethodID:  "pm-200",
			Type:      "bank_card",
			CardLast4: "4444",
		}
		_, err := svc.ProcessDeposit(ctx, notice)
		require.NoError(t, err)

		var account model.Account
		require.NoError(t, db.Where("telegram_id = ?", int64(200)).First(&account).Error)
		methodRepo := repository.NewPaymentMethodRepository(db)
		method, err := methodRepo.GetActive(ctx, account.ID, payment.ProviderYooKassa)
		require.NoError(t, err)
		assert.Equal(t, "pm-200", method.PaymentMethodID)
	})
}

func TestProcessDepositConcurrentReplay(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, newTestConfig())
	ctx := context.Background()

	// 同一笔回调并发打进来，余额只能加一次
	const replicas = 4
	var wg sync.WaitGroup
	results := make([]*DepositResult, replicas)
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.ProcessDeposit(ctx, depositNotice("yk-race", 25000, 300))
			if err == nil {
				results[i] = r
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r != nil && !r.Duplicate {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "恰好一个回调真正入账")

	var account model.Account
	require.NoError(t, db.Where("telegram_id = ?", int64(300)).First(&account).Error)
	assert.Equal(t, int64(25000), account.Balance)
}
