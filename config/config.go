package config

import "time"

// Config holds server configuration values.
type Config struct {
	APIAddr         string        `mapstructure:"api_addr" yaml:"api_addr"`
	WSAddr          string        `mapstructure:"ws_addr" yaml:"ws_addr"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	ExecutorURL     string        `mapstructure:"executor_url" yaml:"executor_url"`
	EventsPerSecond float64       `mapstructure:"events_per_second" yaml:"events_per_second"`
	EventsBurst     int           `mapstructure:"events_burst" yaml:"events_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		APIAddr:         ":8080",
		WSAddr:          ":8888",
		LogLevel:        "info",
		ExecutorURL:     "http://localhost:5000",
		EventsPerSecond: 100,
		EventsBurst:     200,
		ShutdownTimeout: 5 * time.Second,
	}
}
