package handler

import (
	"errors"
	"io"
	"strconv"
	"time"

	"vpnpay/internal/config"
	"vpnpay/internal/model"
	"vpnpay/internal/payment"
	"vpnpay/internal/provision"
	"vpnpay/internal/repository"
	"vpnpay/internal/service"
	"vpnpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	webhookService  *service.WebhookService
	billingService  *service.BillingService
	promoService    *service.PromoService
	abuseService    *service.AbuseService
	referralService *service.ReferralService
	refundService   *service.RefundService
	accountService  *service.AccountService

	yooKassaParser *payment.YooKassaParser
	heleketParser  *payment.HeleketParser
	plategaParser  *payment.PlategaParser
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, provisioner provision.Provisioner) *Handler {
	ykClient := payment.NewYooKassaClient(cfg.Providers.YooKassa)
	return &Handler{
		webhookService:  service.NewWebhookService(db, cfg),
		billingService:  service.NewBillingService(db, rdb, cfg, provisioner, ykClient),
		promoService:    service.NewPromoService(db, cfg, provisioner),
		abuseService:    service.NewAbuseService(db, rdb, cfg, provisioner, ykClient),
		referralService: service.NewReferralService(db, cfg),
		refundService:   service.NewRefundService(db, rdb, ykClient),
		accountService:  service.NewAccountService(db, cfg),
		yooKassaParser:  payment.NewYooKassaParser(),
		heleketParser:   payment.NewHeleketParser(cfg.Providers.Heleket.APIKey),
		plategaParser:   payment.NewPlategaParser(cfg.Providers.Platega.SecretKey),
	}
}

// businessError 把业务错误映射成响应码
// 未识别的错误统一按服务端错误处理
func businessError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrBalanceNotEnough):
		response.BusinessError(c, response.CodeBalanceNotEnough, "余额不足")
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, "账户不存在")
	case errors.Is(err, service.ErrAccountBanned):
		response.BusinessError(c, response.CodeAccountBanned, "账户已被封禁")
	case errors.Is(err, service.ErrProvisionFailed):
		response.BusinessError(c, response.CodeProvisioningFailed, "密钥开通失败，扣款已退回")
	case errors.Is(err, service.ErrTrialAlreadyUsed):
		response.BusinessError(c, response.CodeTrialAlreadyUsed, "试用已使用过")
	case errors.Is(err, repository.ErrKeyNotFound):
		response.BusinessError(c, response.CodeKeyNotFound, "密钥不存在")
	case errors.Is(err, repository.ErrPromoNotFound):
		response.BusinessError(c, response.CodePromoNotFound, "促销码不存在或已失效")
	case errors.Is(err, repository.ErrPromoExhausted):
		response.BusinessError(c, response.CodePromoExhausted, "促销码已被用完")
	case errors.Is(err, repository.ErrPromoAlreadyUsed):
		response.BusinessError(c, response.CodePromoAlreadyUsed, "该促销码已兑换过")
	case errors.Is(err, service.ErrPromoInvalid):
		response.BusinessError(c, response.CodePromoNotFound, "促销码无法用于当前账户")
	case errors.Is(err, repository.ErrPlanNotFound):
		response.BusinessError(c, response.CodePlanNotFound, "资费计划不存在")
	case errors.Is(err, service.ErrRefundNotAllowed):
		response.BusinessError(c, response.CodeRefundFailed, "该流水不可退款")
	case errors.Is(err, service.ErrWithdrawTooSmall):
		response.BusinessError(c, response.CodeWithdrawalFailed, "提现金额低于最低限额")
	case errors.Is(err, service.ErrTrafficOutOfRange):
		response.ParamError(c, "流量购买量超出允许区间")
	case errors.Is(err, repository.ErrPaymentMethodNotFound):
		response.BusinessError(c, response.CodeBusinessError, "未绑定可用的支付方式")
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// Webhook 接口
// ============================================================
//
// 应答约定：签名不合法返回 403；重复回调和"坏订单号"都按成功
// 应答（渠道重试只会制造更多垃圾）；其余错误 500，渠道会重推。

// YooKassaWebhook POST /webhook/yookassa
func (h *Handler) YooKassaWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(400)
		return
	}
	notice, err := h.yooKassaParser.Parse(body)
	h.finishWebhook(c, notice, err)
}

// HeleketWebhook POST /webhook/heleket
func (h *Handler) HeleketWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(400)
		return
	}
	notice, err := h.heleketParser.Parse(body)
	h.finishWebhook(c, notice, err)
}

// PlategaWebhook POST /webhook/platega
func (h *Handler) PlategaWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(400)
		return
	}
	notice, err := h.plategaParser.Parse(body, c.GetHeader("X-Signature"))
	h.finishWebhook(c, notice, err)
}

func (h *Handler) finishWebhook(c *gin.Context, notice *payment.Notice, parseErr error) {
	if parseErr != nil {
		switch {
		case errors.Is(parseErr, payment.ErrInvalidSignature):
			c.Status(403)
		case errors.Is(parseErr, payment.ErrNotPaid), errors.Is(parseErr, payment.ErrBadOrderID):
			// 非成功状态和解析不出用户的单子都确认掉，不给渠道重试的理由
			c.Status(200)
		default:
			c.Status(400)
		}
		return
	}

	result, err := h.webhookService.ProcessDeposit(c.Request.Context(), notice)
	if err != nil {
		// 入账失败让渠道重试
		c.Status(500)
		return
	}
	if result.Duplicate {
		response.BusinessError(c, response.CodeDuplicatePayment, "重复回调，已处理")
		return
	}
	response.Success(c, result)
}

// ============================================================
// 账户接口
// ============================================================

type registerRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Username   string `json:"username"`
	ReferrerID int64  `json:"referrer_id"`
}

// Register POST /api/v1/account/register
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	account, err := h.accountService.Register(c.Request.Context(), &service.RegisterRequest{
		TelegramID: req.TelegramID,
		Username:   req.Username,
		ReferrerID: req.ReferrerID,
	})
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, account)
}

// GetProfile GET /api/v1/account/profile?telegram_id=xxx
func (h *Handler) GetProfile(c *gin.Context) {
	telegramID, err := strconv.ParseInt(c.Query("telegram_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "telegram_id 参数错误")
		return
	}
	profile, err := h.accountService.Profile(c.Request.Context(), telegramID)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, profile)
}

// GetHistory GET /api/v1/account/history?telegram_id=xxx&page=1&page_size=20
func (h *Handler) GetHistory(c *gin.Context) {
	telegramID, err := strconv.ParseInt(c.Query("telegram_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "telegram_id 参数错误")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	transactions, total, err := h.accountService.History(c.Request.Context(), telegramID, page, pageSize)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, gin.H{
		"transactions": transactions,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
	})
}

// ============================================================
// 购买接口
// ============================================================

// PurchaseSubscription POST /api/v1/purchase/subscription
func (h *Handler) PurchaseSubscription(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.billingService.PurchaseSubscription(c.Request.Context(), &req)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

// RenewSubscription POST /api/v1/purchase/renew
// 用绑定的支付方式免密代扣后续费
func (h *Handler) RenewSubscription(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.billingService.RenewWithSavedCard(c.Request.Context(), &req)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

// PurchaseWhitelist POST /api/v1/purchase/whitelist
func (h *Handler) PurchaseWhitelist(c *gin.Context) {
	var req service.WhitelistPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.billingService.PurchaseWhitelist(c.Request.Context(), &req)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

type trialRequest struct {
	TelegramID int64 `json:"telegram_id" binding:"required"`
}

// ActivateTrial POST /api/v1/purchase/trial
func (h *Handler) ActivateTrial(c *gin.Context) {
	var req trialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.billingService.ActivateTrial(c.Request.Context(), req.TelegramID)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

// ListPlans GET /api/v1/plans?type=vpn
func (h *Handler) ListPlans(c *gin.Context) {
	planType := c.DefaultQuery("type", "vpn")
	plans, err := h.accountService.ListPlans(c.Request.Context(), planType)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, plans)
}

// ============================================================
// 促销码接口
// ============================================================

type applyPromoRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Code       string `json:"code" binding:"required"`
}

// ApplyPromo POST /api/v1/promo/apply
func (h *Handler) ApplyPromo(c *gin.Context) {
	var req applyPromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.promoService.ApplyPromo(c.Request.Context(), req.TelegramID, req.Code)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 流量上报接口（面板回调）
// ============================================================

// ReportTraffic POST /api/v1/traffic/report
func (h *Handler) ReportTraffic(c *gin.Context) {
	var req service.TrafficReport
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.abuseService.ReportTraffic(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrDeviceConflict) {
			response.BusinessError(c, response.CodeBusinessError, "设备冲突，上报被拒绝")
			return
		}
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 推荐分成接口
// ============================================================

// GetReferralStats GET /api/v1/referral/stats?telegram_id=xxx
func (h *Handler) GetReferralStats(c *gin.Context) {
	telegramID, err := strconv.ParseInt(c.Query("telegram_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "telegram_id 参数错误")
		return
	}
	stats, err := h.referralService.Stats(c.Request.Context(), telegramID)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, stats)
}

// Withdraw POST /api/v1/referral/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req service.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.referralService.Withdraw(c.Request.Context(), &req)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 管理端接口
// ============================================================

type refundRequest struct {
	TransactionID int64 `json:"transaction_id" binding:"required"`
}

// AdminRefund POST /api/v1/admin/refund
func (h *Handler) AdminRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.refundService.RefundDeposit(c.Request.Context(), req.TransactionID)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, result)
}

type adjustRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// AdminAdjust POST /api/v1/admin/adjust
func (h *Handler) AdminAdjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	trans, err := h.accountService.AdminAdjust(c.Request.Context(), req.TelegramID, req.Amount, req.Reason)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, trans)
}

type unbanKeyRequest struct {
	KeyID int64 `json:"key_id" binding:"required"`
}

// AdminUnbanKey POST /api/v1/admin/unban-key
func (h *Handler) AdminUnbanKey(c *gin.Context) {
	var req unbanKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.accountService.AdminUnbanKey(c.Request.Context(), req.KeyID); err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, gin.H{"key_id": req.KeyID})
}

type unbanAccountRequest struct {
	AccountID int64 `json:"account_id" binding:"required"`
}

// AdminUnbanAccount POST /api/v1/admin/unban-account
func (h *Handler) AdminUnbanAccount(c *gin.Context) {
	var req unbanAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.accountService.AdminUnbanAccount(c.Request.Context(), req.AccountID); err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, gin.H{"account_id": req.AccountID})
}

type createPromoRequest struct {
	Code      string `json:"code" binding:"required"`
	Type      string `json:"type" binding:"required"`
	Value     int64  `json:"value" binding:"required,gt=0"`
	UsesLimit *int   `json:"uses_limit"`
	ExpiresAt string `json:"expires_at"` // RFC3339，可空
}

// AdminCreatePromo POST /api/v1/admin/promo
func (h *Handler) AdminCreatePromo(c *gin.Context) {
	var req createPromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			response.ParamError(c, "expires_at 格式错误")
			return
		}
		expiresAt = &t
	}
	promo, err := h.promoService.CreatePromo(c.Request.Context(), req.Code, req.Type, req.Value, req.UsesLimit, expiresAt)
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, promo)
}

// AdminCreatePlan POST /api/v1/admin/plans
func (h *Handler) AdminCreatePlan(c *gin.Context) {
	var plan model.TariffPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if plan.Price <= 0 || plan.DurationDays <= 0 {
		response.ParamError(c, "价格与时长必须为正")
		return
	}
	plan.IsActive = true
	if err := h.accountService.AdminCreatePlan(c.Request.Context(), &plan); err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, plan)
}

// AdminUpdatePlan PUT /api/v1/admin/plans
func (h *Handler) AdminUpdatePlan(c *gin.Context) {
	var plan model.TariffPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if plan.ID == 0 {
		response.ParamError(c, "缺少计划ID")
		return
	}
	if err := h.accountService.AdminUpdatePlan(c.Request.Context(), &plan); err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, plan)
}

type deactivatePlanRequest struct {
	PlanID int64 `json:"plan_id" binding:"required"`
}

// AdminDeactivatePlan POST /api/v1/admin/plans/deactivate
func (h *Handler) AdminDeactivatePlan(c *gin.Context) {
	var req deactivatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.accountService.AdminDeactivatePlan(c.Request.Context(), req.PlanID); err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, gin.H{"plan_id": req.PlanID})
}

// GetWhitelistSettings GET /api/v1/admin/whitelist-settings
func (h *Handler) GetWhitelistSettings(c *gin.Context) {
	settings, err := h.accountService.GetWhitelistSettings(c.Request.Context())
	if err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, settings)
}

// AdminUpdateWhitelistSettings PUT /api/v1/admin/whitelist-settings
func (h *Handler) AdminUpdateWhitelistSettings(c *gin.Context) {
	var settings model.WhitelistSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if settings.PricePerGB <= 0 || settings.MinGB <= 0 || settings.MaxGB < settings.MinGB {
		response.ParamError(c, "白名单参数不合法")
		return
	}
	if err := h.accountService.AdminUpdateWhitelistSettings(c.Request.Context(), &settings); err != nil {
		businessError(c, err)
		return
	}
	response.Success(c, settings)
}
