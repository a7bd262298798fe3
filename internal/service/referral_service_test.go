package service

import (
	"context"
	"testing"

	"vpnpay/internal/model"
	"vpnpay/internal/payment"
	"vpnpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// seedDeposit 给账户落一条 Success 充值流水
func seedDeposit(t *testing.T, db *gorm.DB, accountID int64, amount int64, externalID string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Transaction{
		TransactionNo:     "TXN-seed-" + externalID,
		AccountID:         accountID,
		Type:              model.TransactionTypeDeposit,
		Amount:            amount,
		Status:            model.TransactionStatusSuccess,
		Provider:          payment.ProviderYooKassa,
		ExternalPaymentID: &externalID,
	}).Error)
}

func TestReferralStats(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewReferralService(db, cfg)
	ctx := context.Background()

	referrer := seedAccount(t, db, 100, 0)
	require.NoError(t, db.Model(&model.Account{}).Where("id = ?", referrer.ID).
		Update("referral_rate", 20).Error)

	// 两个被推荐账户，各充一笔
	ref1 := seedAccount(t, db, 101, 0)
	ref2 := seedAccount(t, db, 102, 0)
	require.NoError(t, db.Model(&model.Account{}).
		Where("id IN ?", []int64{ref1.ID, ref2.ID}).
		Update("referred_by", referrer.ID).Error)
	seedDeposit(t, db, ref1.ID, 50000, "dep-1")
	seedDeposit(t, db, ref2.ID, 30000, "dep-2")

	stats, err := svc.Stats(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ReferralCount)
	assert.Equal(t, int64(80000), stats.TotalDeposits)
	assert.Equal(t, int64(16000), stats.TotalEarned) // 20%
	assert.Equal(t, int64(16000), stats.Available)

	// 再查一次不会重复累计
	stats, err = svc.Stats(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(16000), stats.Available)

	// 被推荐人继续充值，收益跟着涨
	seedDeposit(t, db, ref1.ID, 20000, "dep-3")
	stats, err = svc.Stats(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), stats.TotalEarned)
	assert.Equal(t, int64(20000), stats.Available)
}

func TestReferralWithdraw(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewReferralService(db, cfg)
	ctx := context.Background()

	referrer := seedAccount(t, db, 200, 1000)
	require.NoError(t, db.Model(&model.Account{}).Where("id = ?", referrer.ID).
		Update("referral_rate", 20).Error)
	ref := seedAccount(t, db, 201, 0)
	require.NoError(t, db.Model(&model.Account{}).Where("id = ?", ref.ID).
		Update("referred_by", referrer.ID).Error)
	seedDeposit(t, db, ref.ID, 100000, "wd-dep-1") // 收益 20000

	t.Run("转入主余额即时到账", func(t *testing.T) {
		result, err := svc.Withdraw(ctx, &WithdrawRequest{
			TelegramID: 200, Amount: 8000, Method: WithdrawMethodTransfer,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(8000), result.Amount)

		assert.Equal(t, int64(9000), accountBalance(t, db, referrer.ID))
		var acc model.Account
		require.NoError(t, db.First(&acc, referrer.ID).Error)
		assert.Equal(t, int64(12000), acc.ReferralBalance)
	})

	t.Run("提取总额不能超过应得", func(t *testing.T) {
		_, err := svc.Withdraw(ctx, &WithdrawRequest{
			TelegramID: 200, Amount: 50000, Method: WithdrawMethodTransfer,
		})
		assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)
	})

	t.Run("卡提现有最低限额", func(t *testing.T) {
		_, err := svc.Withdraw(ctx, &WithdrawRequest{
			TelegramID: 200, Amount: 5000, Method: WithdrawMethodCard, Target: "2200...",
		})
		assert.ErrorIs(t, err, ErrWithdrawTooSmall)
	})

	t.Run("卡提现生成申请单不动主余额", func(t *testing.T) {
		result, err := svc.Withdraw(ctx, &WithdrawRequest{
			TelegramID: 200, Amount: 12000, Method: WithdrawMethodCard, Target: "2200 7000 0000 0000",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.TransactionNo)

		assert.Equal(t, int64(9000), accountBalance(t, db, referrer.ID))
		var acc model.Account
		require.NoError(t, db.First(&acc, referrer.ID).Error)
		assert.Equal(t, int64(0), acc.ReferralBalance)
		assert.Equal(t, int64(1), countTransactions(t, db, referrer.ID, model.TransactionTypeWithdrawal))
	})

	t.Run("提空后收益口径不再有差额", func(t *testing.T) {
		stats, err := svc.Stats(ctx, 200)
		require.NoError(t, err)
		assert.Equal(t, int64(20000), stats.TotalEarned)
		assert.Equal(t, int64(0), stats.Available)
	})
}
