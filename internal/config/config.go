package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	NodeWSURL    string
	ListenPort   int
	ConsumerURL  string
	ConsumerPath string
	PGDSN        string
	AuditPath    string
	LogLevel     string
	NodeEnv      string

	PriceUpdateThreshold float64
	CoalesceWindow       time.Duration
	BnbRefreshInterval   time.Duration
	AgentPriceCacheTTL   time.Duration
	HeartbeatInterval    time.Duration
	ReapInterval         time.Duration
	StaleAfter           time.Duration
	PendingTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	RPCRateLimit         float64
	RPCRateBurst         int

	Chain Params
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen-port", 8080)
	v.SetDefault("consumer-path", "/socket.io")
	v.SetDefault("log-level", "info")
	v.SetDefault("node-env", "development")
	v.SetDefault("price-update-threshold", 0.001)
	v.SetDefault("coalesce-window", 100*time.Millisecond)
	v.SetDefault("bnb-refresh-interval", 60*time.Second)
	v.SetDefault("agent-price-cache-ttl", 10*time.Second)
	v.SetDefault("heartbeat-interval", 30*time.Second)
	v.SetDefault("reap-interval", 30*time.Second)
	v.SetDefault("stale-after", 60*time.Second)
	v.SetDefault("pending-timeout", 5*time.Minute)
	v.SetDefault("max-reconnect-attempts", 10)
	v.SetDefault("reconnect-delay", 3*time.Second)
	v.SetDefault("rpc-rate-limit", 20.0)
	v.SetDefault("rpc-rate-burst", 40)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		NodeWSURL:            v.GetString("node-ws"),
		ListenPort:           v.GetInt("listen-port"),
		ConsumerURL:          v.GetString("consumer-url"),
		ConsumerPath:         v.GetString("consumer-path"),
		PGDSN:                v.GetString("pg-dsn"),
		AuditPath:            v.GetString("audit-path"),
		LogLevel:             v.GetString("log-level"),
		NodeEnv:              v.GetString("node-env"),
		PriceUpdateThreshold: v.GetFloat64("price-update-threshold"),
		CoalesceWindow:       v.GetDuration("coalesce-window"),
		BnbRefreshInterval:   v.GetDuration("bnb-refresh-interval"),
		AgentPriceCacheTTL:   v.GetDuration("agent-price-cache-ttl"),
		HeartbeatInterval:    v.GetDuration("heartbeat-interval"),
		ReapInterval:         v.GetDuration("reap-interval"),
		StaleAfter:           v.GetDuration("stale-after"),
		PendingTimeout:       v.GetDuration("pending-timeout"),
		MaxReconnectAttempts: v.GetInt("max-reconnect-attempts"),
		ReconnectDelay:       v.GetDuration("reconnect-delay"),
		RPCRateLimit:         v.GetFloat64("rpc-rate-limit"),
		RPCRateBurst:         v.GetInt("rpc-rate-burst"),
		Chain:                DefaultParams(),
	}

	if bnb := v.GetFloat64("default-bnb-price"); bnb > 0 {
		cfg.Chain.DefaultBNBPrice = bnb
	}
	if pools := getStringSlice(v, "bnb-ref-pools"); len(pools) > 0 {
		cfg.Chain.BNBReferencePools = pools
	}

	if cfg.NodeWSURL == "" {
		return Config{}, fmt.Errorf("node-ws url is required")
	}

	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
