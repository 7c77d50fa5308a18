package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// GatewayConfig 描述下单网关连接信息。
type GatewayConfig struct {
	Mode              string         `mapstructure:"mode"` // terminal | exchange | memory
	Terminal          TerminalConfig `mapstructure:"terminal"`
	Exchange          ExchangeConfig `mapstructure:"exchange"`
	CommandTimeout    time.Duration  `mapstructure:"command_timeout"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	ConnectionTimeout time.Duration  `mapstructure:"connection_timeout"`
}

// TerminalConfig 描述 MT 终端桥接的 websocket 连接参数。
type TerminalConfig struct {
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// ExchangeConfig 描述交易所网关连接信息。
type ExchangeConfig struct {
	Name       string `mapstructure:"name"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	APIPass    string `mapstructure:"api_password"`
	UseSandbox bool   `mapstructure:"use_sandbox"`
}

// ExecutionConfig 控制跨账户同步执行行为。
type ExecutionConfig struct {
	Strategy             string        `mapstructure:"strategy"` // simultaneous | staggered
	MaxAllowedSkew       time.Duration `mapstructure:"max_allowed_skew"`
	StaggerDelay         time.Duration `mapstructure:"stagger_delay"`
	MaxMarginUtilization float64       `mapstructure:"max_margin_utilization"`
	CompensationMode     string        `mapstructure:"compensation_mode"` // automatic | manual
	CompensationDelay    time.Duration `mapstructure:"compensation_delay"`
	Simulation           bool          `mapstructure:"simulation"`
}

// ChainConfig 控制动作链引擎。
type ChainConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`
	StepTimeout             time.Duration `mapstructure:"step_timeout"`
}

// RebalanceConfig 控制再平衡调度与并发上限。
type RebalanceConfig struct {
	MaxConcurrentRebalances int           `mapstructure:"max_concurrent_rebalances"`
	MaxDailyExecutions      int           `mapstructure:"max_daily_executions"`
	DailyResetHour          int           `mapstructure:"daily_reset_hour"`
	MinConditionInterval    time.Duration `mapstructure:"min_condition_interval"`
	Interval                time.Duration `mapstructure:"interval"`
}

// GuardConfig 控制一致性校验阈值。
type GuardConfig struct {
	MaxSkewWarning  time.Duration `mapstructure:"max_skew_warning"`
	MaxLotImbalance float64       `mapstructure:"max_lot_imbalance"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval  time.Duration `mapstructure:"loop_interval"`
	GuardInterval time.Duration `mapstructure:"guard_interval"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch c.Gateway.Mode {
	case "terminal", "exchange", "memory":
	default:
		err = multierr.Append(err, fmt.Errorf("gateway.mode 取值非法: %q", c.Gateway.Mode))
	}
	if c.Gateway.Mode == "terminal" && c.Gateway.Terminal.URL == "" {
		err = multierr.Append(err, errors.New("gateway.terminal.url 不能为空"))
	}
	if c.Gateway.Mode == "exchange" && c.Gateway.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("gateway.exchange.name 不能为空"))
	}
	if c.Gateway.CommandTimeout <= 0 {
		err = multierr.Append(err, errors.New("gateway.command_timeout 必须大于0"))
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("gateway.heartbeat_interval 必须大于0"))
	}
	if c.Gateway.ConnectionTimeout < c.Gateway.HeartbeatInterval {
		err = multierr.Append(err, errors.New("gateway.connection_timeout 不应小于 heartbeat_interval"))
	}
	switch c.Execution.Strategy {
	case "simultaneous", "staggered":
	default:
		err = multierr.Append(err, fmt.Errorf("execution.strategy 取值非法: %q", c.Execution.Strategy))
	}
	if c.Execution.MaxAllowedSkew <= 0 {
		err = multierr.Append(err, errors.New("execution.max_allowed_skew 必须大于0"))
	}
	if c.Execution.MaxMarginUtilization <= 0 || c.Execution.MaxMarginUtilization > 1 {
		err = multierr.Append(err, errors.New("execution.max_margin_utilization 必须位于(0,1]"))
	}
	switch c.Execution.CompensationMode {
	case "automatic", "manual":
	default:
		err = multierr.Append(err, fmt.Errorf("execution.compensation_mode 取值非法: %q", c.Execution.CompensationMode))
	}
	if c.Execution.CompensationDelay < 0 {
		err = multierr.Append(err, errors.New("execution.compensation_delay 不能为负"))
	}
	if c.Chain.MaxConcurrentExecutions <= 0 {
		err = multierr.Append(err, errors.New("chain.max_concurrent_executions 必须大于0"))
	}
	if c.Chain.StepTimeout <= 0 {
		err = multierr.Append(err, errors.New("chain.step_timeout 必须大于0"))
	}
	if c.Rebalance.MaxConcurrentRebalances <= 0 {
		err = multierr.Append(err, errors.New("rebalance.max_concurrent_rebalances 必须大于0"))
	}
	if c.Rebalance.MaxDailyExecutions <= 0 {
		err = multierr.Append(err, errors.New("rebalance.max_daily_executions 必须大于0"))
	}
	if c.Rebalance.DailyResetHour < 0 || c.Rebalance.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("rebalance.daily_reset_hour 必须位于[0,23]"))
	}
	if c.Rebalance.MinConditionInterval <= 0 {
		err = multierr.Append(err, errors.New("rebalance.min_condition_interval 必须大于0"))
	}
	if c.Rebalance.Interval <= 0 {
		err = multierr.Append(err, errors.New("rebalance.interval 必须大于0"))
	}
	if c.Guard.MaxSkewWarning <= 0 {
		err = multierr.Append(err, errors.New("guard.max_skew_warning 必须大于0"))
	}
	if c.Guard.MaxLotImbalance < 0 {
		err = multierr.Append(err, errors.New("guard.max_lot_imbalance 不能为负"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.GuardInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.guard_interval 必须大于0"))
	}
	if c.Rebalance.Interval < c.Scheduler.LoopInterval {
		err = multierr.Append(err, errors.New("rebalance.interval 不应小于 scheduler.loop_interval"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
