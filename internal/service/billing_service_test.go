package service

import (
	"context"
	"testing"

	"vpnpay/internal/model"
	"vpnpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseSubscription(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	cfg := newTestConfig()
	panel := &fakePanel{}
	svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{})
	ctx := context.Background()

	plan := seedPlan(t, db, 24900, 90)

	t.Run("余额充足扣款开通", func(t *testing.T) {
		account := seedAccount(t, db, 1001, 30000)
		result, err := svc.PurchaseSubscription(ctx, &PurchaseRequest{TelegramID: 1001, PlanID: plan.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(24900), result.Price)
		assert.NotEmpty(t, result.KeyUUID)
		assert.NotEmpty(t, result.AccessURL)

		assert.Equal(t, int64(5100), accountBalance(t, db, account.ID))

		var key model.VPNKey
		require.NoError(t, db.Where("key_uuid = ?", result.KeyUUID).First(&key).Error)
		assert.Equal(t, model.KeyStatusActive, key.Status)
		assert.Equal(t, account.ID, key.AccountID)

		// 账户转为 Active
		var fresh model.Account
		require.NoError(t, db.First(&fresh, account.ID).Error)
		assert.Equal(t, model.AccountStatusActive, fresh.Status)
	})

	t.Run("余额不足拒绝且无副作用", func(t *testing.T) {
		account := seedAccount(t, db, 1002, 10000)
		before := panel.provisioned
		_, err := svc.PurchaseSubscription(ctx, &PurchaseRequest{TelegramID: 1002, PlanID: plan.ID})
		assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)

		assert.Equal(t, int64(10000), accountBalance(t, db, account.ID))
		assert.Equal(t, before, panel.provisioned, "面板不应被调用")
		assert.Equal(t, int64(0), countTransactions(t, db, account.ID, model.TransactionTypeSubscription))
	})

	t.Run("封禁账户直接拒绝", func(t *testing.T) {
		account := seedAccount(t, db, 1003, 100000)
		require.NoError(t, db.Model(&model.Account{}).Where("id = ?", account.ID).
			Update("is_banned", true).Error)
		_, err := svc.PurchaseSubscription(ctx, &PurchaseRequest{TelegramID: 1003, PlanID: plan.ID})
		assert.ErrorIs(t, err, ErrAccountBanned)
		assert.Equal(t, int64(100000), accountBalance(t, db, account.ID))
	})

	t.Run("不存在的计划", func(t *testing.T) {
		seedAccount(t, db, 1004, 100000)
		_, err := svc.PurchaseSubscription(ctx, &PurchaseRequest{TelegramID: 1004, PlanID: 9999})
		assert.ErrorIs(t, err, repository.ErrPlanNotFound)
	})
}

func TestRenewWithSavedCard(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	cfg := newTestConfig()
	panel := &fakePanel{}
	ctx := context.Background()

	plan := seedPlan(t, db, 9900, 30)

	t.Run("代扣成功后续费", func(t *testing.T) {
		charger := &fakeCharger{succeed: true}
		svc := NewBillingService(db, rdb, cfg, panel, charger)

		account := seedAccount(t, db, 1101, 0)
		require.NoError(t, db.Create(&model.SavedPaymentMethod{
			AccountID: account.ID, Provider: "YooKassa",
			PaymentMethodID: "pm-1101", MethodType: "bank_card", IsActive: true,
		}).Error)

		result, err := svc.RenewWithSavedCard(ctx, &PurchaseRequest{TelegramID: 1101, PlanID: plan.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(9900), result.Price)
		assert.NotEmpty(t, result.KeyUUID)

		// 代扣入账 +9900，购买扣款 -9900，余额轧平
		require.Len(t, charger.charges, 1)
		assert.Equal(t, int64(9900), charger.charges[0])
		assert.Equal(t, int64(0), accountBalance(t, db, account.ID))
		assert.Equal(t, int64(1), countTransactions(t, db, account.ID, model.TransactionTypeDeposit))
		assert.Equal(t, int64(1), countTransactions(t, db, account.ID, model.TransactionTypeSubscription))
	})

	t.Run("渠道拒付整单中止", func(t *testing.T) {
		svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{})

		account := seedAccount(t, db, 1102, 0)
		require.NoError(t, db.Create(&model.SavedPaymentMethod{
			AccountID: account.ID, Provider: "YooKassa",
			PaymentMethodID: "pm-1102", MethodType: "bank_card", IsActive: true,
		}).Error)
		before := panel.provisioned

		_, err := svc.RenewWithSavedCard(ctx, &PurchaseRequest{TelegramID: 1102, PlanID: plan.ID})
		require.Error(t, err)

		assert.Equal(t, int64(0), accountBalance(t, db, account.ID))
		assert.Equal(t, before, panel.provisioned, "面板不应被调用")
		assert.Equal(t, int64(0), countTransactions(t, db, account.ID, model.TransactionTypeDeposit))
	})

	t.Run("未绑卡拒绝", func(t *testing.T) {
		svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{succeed: true})
		seedAccount(t, db, 1103, 0)
		_, err := svc.RenewWithSavedCard(ctx, &PurchaseRequest{TelegramID: 1103, PlanID: plan.ID})
		assert.ErrorIs(t, err, repository.ErrPaymentMethodNotFound)
	})
}

func TestPurchaseCompensation(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	cfg := newTestConfig()
	panel := &fakePanel{failNext: true}
	svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{})
	ctx := context.Background()

	plan := seedPlan(t, db, 9900, 30)
	account := seedAccount(t, db, 2001, 20000)

	_, err := svc.PurchaseSubscription(ctx, &PurchaseRequest{TelegramID: 2001, PlanID: plan.ID})
	assert.ErrorIs(t, err, ErrProvisionFailed)

	// 补偿入账后余额轧平
	assert.Equal(t, int64(20000), accountBalance(t, db, account.ID))

	// 扣款与补偿两条流水都在，净额为零，审计可见
	assert.Equal(t, int64(1), countTransactions(t, db, account.ID, model.TransactionTypeSubscription))
	assert.Equal(t, int64(1), countTransactions(t, db, account.ID, model.TransactionTypeRefund))

	// 没有密钥产生
	var keyCount int64
	require.NoError(t, db.Model(&model.VPNKey{}).Where("account_id = ?", account.ID).Count(&keyCount).Error)
	assert.Equal(t, int64(0), keyCount)
}

func TestPurchaseWhitelist(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	cfg := newTestConfig()
	panel := &fakePanel{}
	svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{})
	ctx := context.Background()

	t.Run("现行版平价计价", func(t *testing.T) {
		account := seedAccount(t, db, 3001, 100000)
		// 订阅费 10000 + 10GB × 1500
		result, err := svc.PurchaseWhitelist(ctx, &WhitelistPurchaseRequest{TelegramID: 3001, TrafficGB: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(25000), result.Price)
		assert.Equal(t, int64(75000), accountBalance(t, db, account.ID))

		var key model.VPNKey
		require.NoError(t, db.Where("key_uuid = ?", result.KeyUUID).First(&key).Error)
		assert.Equal(t, model.PlanTypeWhitelist, key.PlanType)
		assert.Equal(t, int64(10)<<30, key.TrafficLimit)
	})

	t.Run("历史版阶梯计价", func(t *testing.T) {
		require.NoError(t, db.Model(&model.WhitelistSettings{}).Where("1 = 1").
			Update("pricing_type", model.WhitelistPricingProgressive).Error)
		t.Cleanup(func() {
			require.NoError(t, db.Model(&model.WhitelistSettings{}).Where("1 = 1").
				Update("pricing_type", model.WhitelistPricingFlat).Error)
		})

		account := seedAccount(t, db, 3003, 100000)
		// 10GB 阶梯价 5×3000 + 1×2500，不收订阅费
		result, err := svc.PurchaseWhitelist(ctx, &WhitelistPurchaseRequest{TelegramID: 3003, TrafficGB: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(17500), result.Price)
		assert.Equal(t, int64(82500), accountBalance(t, db, account.ID))
	})

	t.Run("低于下限拒绝", func(t *testing.T) {
		seedAccount(t, db, 3002, 100000)
		_, err := svc.PurchaseWhitelist(ctx, &WhitelistPurchaseRequest{TelegramID: 3002, TrafficGB: 2})
		assert.ErrorIs(t, err, ErrTrafficOutOfRange)
	})
}

func TestPurchaseWithDiscount(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	cfg := newTestConfig()
	panel := &fakePanel{}
	svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{})
	ctx := context.Background()

	plan := seedPlan(t, db, 10000, 30)
	account := seedAccount(t, db, 4001, 20000)

	// 挂一张 50% 折扣
	require.NoError(t, db.Create(&model.AccountDiscount{AccountID: account.ID, Percent: 50}).Error)

	result, err := svc.PurchaseSubscription(ctx, &PurchaseRequest{TelegramID: 4001, PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Price)
	assert.Equal(t, int64(15000), accountBalance(t, db, account.ID))

	// 折扣一次性，第二次购买回到原价
	result2, err := svc.PurchaseSubscription(ctx, &PurchaseRequest{TelegramID: 4001, PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), result2.Price)
	assert.Equal(t, int64(5000), accountBalance(t, db, account.ID))
}

func TestActivateTrial(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	cfg := newTestConfig()
	panel := &fakePanel{}
	svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{})
	ctx := context.Background()

	t.Run("首次激活免费开通", func(t *testing.T) {
		result, err := svc.ActivateTrial(ctx, 5001)
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.Price)
		assert.NotEmpty(t, result.KeyUUID)

		var account model.Account
		require.NoError(t, db.Where("telegram_id = ?", int64(5001)).First(&account).Error)
		assert.True(t, account.TrialUsed)
		assert.Equal(t, int64(0), account.Balance)
	})

	t.Run("二次激活拒绝", func(t *testing.T) {
		_, err := svc.ActivateTrial(ctx, 5001)
		assert.ErrorIs(t, err, ErrTrialAlreadyUsed)
	})
}

// 开通成功但落库失败时必须吊销面板密钥，不留无主密钥
func TestActivateTrialRevokeOnPersistFailure(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	cfg := newTestConfig()
	panel := &fakePanel{}
	svc := NewBillingService(db, rdb, cfg, panel, &fakeCharger{})
	ctx := context.Background()

	seedAccount(t, db, 5002, 0)
	// 落库注定失败
	require.NoError(t, db.Migrator().DropTable(&model.VPNKey{}))

	_, err := svc.ActivateTrial(ctx, 5002)
	require.Error(t, err)

	require.Len(t, panel.revoked, 1)
	assert.Equal(t, "test-key-1", panel.revoked[0])

	// trial_used 随事务一起回滚
	var account model.Account
	require.NoError(t, db.Where("telegram_id = ?", int64(5002)).First(&account).Error)
	assert.False(t, account.TrialUsed)
}
