package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"hedge-engine/internal/config"
	"hedge-engine/internal/hedge"
)

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
}

// Exchange 将 ccxt 交易所客户端适配为异步命令网关，
// 服务于交易所托管的账户（终端账户走 Terminal）。
type Exchange struct {
	client   orderClient
	logger   *zap.Logger
	maxRetry int
}

// NewExchange 根据配置创建交易所网关。
func NewExchange(cfg config.ExchangeConfig, logger *zap.Logger) (*Exchange, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := newExchangeClient(cfg)
	if err != nil {
		return nil, err
	}

	return &Exchange{
		client:   client,
		logger:   logger,
		maxRetry: 3,
	}, nil
}

func newExchangeClient(cfg config.ExchangeConfig) (orderClient, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	switch strings.ToLower(cfg.Name) {
	case "hyperliquid":
		client := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			client.SetSandboxMode(true)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("gateway: 不支持的交易所 %q", cfg.Name)
	}
}

// Send 将命令翻译为 ccxt 下单调用，可重试错误按退避重试。
func (e *Exchange) Send(ctx context.Context, cmd Command) (Result, error) {
	params := map[string]interface{}{}

	switch cmd.Action {
	case ActionEntry:
		if cmd.StopLoss > 0 {
			params["stopLossPrice"] = cmd.StopLoss
		}
		if cmd.TakeProfit > 0 {
			params["takeProfitPrice"] = cmd.TakeProfit
		}
	case ActionClosePosition:
		params["reduceOnly"] = true
	default:
		return Result{}, hedge.NewValidationError("action", fmt.Sprintf("交易所网关不支持命令 %s", cmd.Action))
	}

	if cmd.MaxSlippage > 0 {
		params["slippage"] = fmt.Sprintf("%.6f", cmd.MaxSlippage)
	}

	var err error
	for attempt := 1; attempt <= e.maxRetry; attempt++ {
		var opts []ccxt.CreateMarketOrderOptions
		if len(params) > 0 {
			opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
		}
		_, err = e.client.CreateMarketOrder(cmd.Symbol, string(cmd.Direction), cmd.LotSize, opts...)
		if err == nil {
			return Result{
				CommandID:   cmd.ID,
				AccountID:   cmd.AccountID,
				Success:     true,
				CompletedAt: time.Now().UTC(),
			}, nil
		}

		if !isRetryable(err) {
			break
		}

		wait := time.Duration(attempt) * time.Second
		e.logger.Warn("下单失败，准备重试",
			zap.String("command_id", cmd.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return Result{}, &hedge.TimeoutError{CommandID: cmd.ID}
		case <-time.After(wait):
		}
	}

	// 业务性失败通过结果状态回传，交由补偿流程处理。
	return Result{
		CommandID:   cmd.ID,
		AccountID:   cmd.AccountID,
		Success:     false,
		Error:       err.Error(),
		CompletedAt: time.Now().UTC(),
	}, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

var _ Gateway = (*Exchange)(nil)
