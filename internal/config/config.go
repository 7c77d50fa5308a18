package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "hedge"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("gateway.mode", "terminal")
	v.SetDefault("gateway.terminal.url", "ws://127.0.0.1:8765")
	v.SetDefault("gateway.terminal.auth_token", "")
	v.SetDefault("gateway.exchange.name", "hyperliquid")
	v.SetDefault("gateway.exchange.use_sandbox", false)
	v.SetDefault("gateway.command_timeout", "30s")
	v.SetDefault("gateway.heartbeat_interval", "30s")
	v.SetDefault("gateway.connection_timeout", "90s")

	v.SetDefault("execution.strategy", "simultaneous")
	v.SetDefault("execution.max_allowed_skew", "2s")
	v.SetDefault("execution.stagger_delay", "200ms")
	v.SetDefault("execution.max_margin_utilization", 0.80)
	v.SetDefault("execution.compensation_mode", "automatic")
	v.SetDefault("execution.compensation_delay", "500ms")
	v.SetDefault("execution.simulation", false)

	v.SetDefault("chain.max_concurrent_executions", 3)
	v.SetDefault("chain.step_timeout", "30s")

	v.SetDefault("rebalance.max_concurrent_rebalances", 2)
	v.SetDefault("rebalance.max_daily_executions", 10)
	v.SetDefault("rebalance.daily_reset_hour", 0)
	v.SetDefault("rebalance.min_condition_interval", "5m")
	v.SetDefault("rebalance.interval", "15m")

	v.SetDefault("guard.max_skew_warning", "2s")
	v.SetDefault("guard.max_lot_imbalance", 0.1)

	v.SetDefault("database.path", "data/hedge_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.loop_interval", "1m")
	v.SetDefault("scheduler.guard_interval", "5m")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8399)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
