package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
// 注意 1004：重复的支付回调按成功应答，否则渠道会一直重试
const (
	CodeBalanceNotEnough   = 1001
	CodeAccountNotFound    = 1002
	CodeAccountBanned      = 1003
	CodeDuplicatePayment   = 1004
	CodeInvalidSignature   = 1005
	CodeProvisioningFailed = 1006
	CodeKeyNotFound        = 1007
	CodePromoNotFound      = 1008
	CodePromoExhausted     = 1009
	CodePromoAlreadyUsed   = 1010
	CodeTrialAlreadyUsed   = 1011
	CodeRefundFailed       = 1012
	CodePlanNotFound       = 1013
	CodeWithdrawalFailed   = 1014
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
