package config

import "time"

// DefaultConfig 返回带合理默认值的配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Panel: PanelConfig{
			Agents: []PanelAgent{
				{ID: "analyst", Name: "Analyst", Model: "gpt-4o", Provider: "openai"},
				{ID: "critic", Name: "Critic", Model: "claude-sonnet-4-5", Provider: "anthropic"},
				{ID: "synthesizer", Name: "Synthesizer", Model: "gemini-2.5-pro", Provider: "google"},
			},
			MaxRounds: 0,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Driver:          "sqlite",
			Host:            "localhost",
			Port:            5432,
			User:            "councilflow",
			Name:            "councilflow.db",
			SSLMode:         "disable",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Gate: GateConfig{
			Strict:          false,
			RateLimit:       30,
			RateWindow:      time.Minute,
			IdempotencyTTL:  10 * time.Minute,
			MaxConcurrent:   3,
			SlotTTL:         15 * time.Minute,
			CircuitCooldown: 60 * time.Second,
		},
		Quality: QualityConfig{
			MinCompareLength: 90,
			PrefixWindow:     180,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Timeout:         120 * time.Second,
			MaxRetries:      2,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "councilflow",
			SampleRate:   0.1,
		},
	}
}
