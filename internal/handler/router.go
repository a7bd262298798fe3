package handler

import (
	"vpnpay/internal/config"
	"vpnpay/internal/provision"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, provisioner provision.Provisioner) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())

	h := NewHandler(db, rdb, cfg, provisioner)

	// 支付渠道回调，签名在各自 parser 里校验
	webhook := r.Group("/webhook")
	{
		webhook.POST("/yookassa", h.YooKassaWebhook)
		webhook.POST("/heleket", h.HeleketWebhook)
		webhook.POST("/platega", h.PlategaWebhook)
	}

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.POST("/register", h.Register)
			account.GET("/profile", h.GetProfile)
			account.GET("/history", h.GetHistory)
		}

		purchase := api.Group("/purchase")
		{
			purchase.POST("/subscription", h.PurchaseSubscription)
			purchase.POST("/renew", h.RenewSubscription)
			purchase.POST("/whitelist", h.PurchaseWhitelist)
			purchase.POST("/trial", h.ActivateTrial)
		}

		api.GET("/plans", h.ListPlans)

		api.POST("/promo/apply", h.ApplyPromo)

		// 面板流量上报
		api.POST("/traffic/report", h.ReportTraffic)

		referral := api.Group("/referral")
		{
			referral.GET("/stats", h.GetReferralStats)
			referral.POST("/withdraw", h.Withdraw)
		}

		admin := api.Group("/admin")
		admin.Use(AdminAuthMiddleware(cfg.Server.AdminToken))
		{
			admin.POST("/refund", h.AdminRefund)
			admin.POST("/adjust", h.AdminAdjust)
			admin.POST("/unban-key", h.AdminUnbanKey)
			admin.POST("/unban-account", h.AdminUnbanAccount)
			admin.POST("/promo", h.AdminCreatePromo)
			admin.POST("/plans", h.AdminCreatePlan)
			admin.PUT("/plans", h.AdminUpdatePlan)
			admin.POST("/plans/deactivate", h.AdminDeactivatePlan)
			admin.GET("/whitelist-settings", h.GetWhitelistSettings)
			admin.PUT("/whitelist-settings", h.AdminUpdateWhitelistSettings)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
