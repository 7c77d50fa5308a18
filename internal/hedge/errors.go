package hedge

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError 表示入参校验失败，发生在任何派发之前，不会自动重试。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hedge: 参数校验失败 (%s): %s", e.Field, e.Reason)
}

// NewValidationError 构造校验错误。
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TimeoutError 表示命令在期限内未收到对应结果。
type TimeoutError struct {
	CommandID string
	Deadline  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hedge: 命令 %s 在 %s 内未返回结果", e.CommandID, e.Deadline)
}

// SafetyViolation 表示保证金、黑名单或风险收益比等安全检查未通过，
// 在任何订单发出之前即阻断执行。
type SafetyViolation struct {
	Check  string
	Reason string
	Level  Severity
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("hedge: 安全检查未通过 (%s): %s", e.Check, e.Reason)
}

// PartialExecutionError 表示部分账户腿成功、部分失败，
// 该错误会进入补偿流程而非作为硬失败处理。
type PartialExecutionError struct {
	Succeeded int
	Failed    int
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("hedge: 部分执行 成功=%d 失败=%d", e.Succeeded, e.Failed)
}

// IsValidation 判断错误链中是否包含校验错误。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTimeout 判断错误链中是否包含超时错误。
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsSafetyViolation 判断错误链中是否包含安全检查错误。
func IsSafetyViolation(err error) bool {
	var sv *SafetyViolation
	return errors.As(err, &sv)
}
