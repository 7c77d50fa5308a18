package notify

import (
	"context"

	"go.uber.org/zap"

	"hedge-engine/internal/hedge"
)

// Alert 为一条告警。投递渠道由外部实现决定。
type Alert struct {
	Severity hedge.Severity         `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Notifier 抽象告警投递。
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Logger 把告警落到日志，是进程内默认的投递实现。
type Logger struct {
	logger *zap.Logger
}

// NewLogger 创建日志告警器。
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// Notify 按严重级别选择日志级别输出。
func (l *Logger) Notify(_ context.Context, alert Alert) {
	fields := []zap.Field{
		zap.String("title", alert.Title),
		zap.Any("context", alert.Context),
	}

	switch alert.Severity {
	case hedge.SeverityCritical, hedge.SeverityError:
		l.logger.Error(alert.Message, fields...)
	case hedge.SeverityWarning:
		l.logger.Warn(alert.Message, fields...)
	default:
		l.logger.Info(alert.Message, fields...)
	}
}

var _ Notifier = (*Logger)(nil)
