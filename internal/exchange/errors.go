package exchange

import (
	"context"
	"errors"
	"net"

	"mmbot-engine-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
)

// 币安错误码, 见 https://developers.binance.com/docs/binance-spot-api-docs/errors
const (
	codeUnknown          = -1000
	codeDisconnected     = -1001
	codeUnauthorized     = -1002
	codeTooManyRequests  = -1003
	codeUnexpectedResp   = -1006
	codeBackendTimeout   = -1007
	codeServerBusy       = -1008
	codeInvalidQuantity  = -1013
	codeTooManyOrders    = -1015
	codeTimestampOutside = -1021
	codeInvalidSignature = -1022
	codeBadSymbol        = -1121
	codeNewOrderRejected = -2010
	codeUnknownOrder     = -2011
	codeNoSuchOrder      = -2013
	codeInvalidAPIKey    = -2014
	codeRejectedAPIKey   = -2015
)

// classify 把SDK或网络错误映射为引擎的错误分类
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if models.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.TransientError(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.TransientError(op, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(op, apiErr)
	}

	// 非API错误 (连接中断, 响应解析失败等) 视为瞬时错误
	return models.TransientError(op, err)
}

// classifyAPIError 按错误码分类。响应体不是币安 JSON 时 (网关返回的 5xx 页面) 错误码为 0,
// 此时订单状态未知, 按瞬时错误处理, 由下单管道先按客户端订单号查询再决定是否重试。
func classifyAPIError(op string, apiErr *common.APIError) error {
	cause := &models.Error{Code: int(apiErr.Code), Msg: apiErr.Message}
	if !apiErr.IsValid() {
		cause.Msg = "HTTP 错误, 响应: " + truncate(string(apiErr.Response), 120)
		return models.TransientError(op, cause)
	}
	switch code := apiErr.Code; {
	case code == codeUnknownOrder || code == codeNoSuchOrder:
		return models.RejectedError(op, errors.Join(ErrOrderNotFound, cause))
	case code == codeBadSymbol || code == codeUnauthorized || code == codeInvalidSignature ||
		code == codeInvalidAPIKey || code == codeRejectedAPIKey:
		return models.ConfigurationError(op, cause)
	case code == codeNewOrderRejected || code == codeInvalidQuantity:
		return models.RejectedError(op, cause)
	case code == codeUnknown || code == codeDisconnected || code == codeTooManyRequests || code == codeTooManyOrders ||
		code == codeUnexpectedResp || code == codeBackendTimeout || code == codeServerBusy ||
		code == codeTimestampOutside:
		return models.TransientError(op, cause)
	case code <= -1100 && code > -1200:
		// 11xx: 请求参数错误, 重试没有意义
		return models.RejectedError(op, cause)
	case code <= -2000 && code > -3000:
		// 20xx: 交易所处理失败 (余额不足等)
		return models.RejectedError(op, cause)
	}
	// 未知错误码, 订单状态不确定
	return models.TransientError(op, cause)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
