package server

import "time"

// Config configures the HTTP listener.
type Config struct {
	Host           string
	Port           int
	MaxRequestSize int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	EnableLogging  bool
}

// DefaultConfig returns sensible listener defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           8080,
		MaxRequestSize: 16 * 1024 * 1024,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		EnableLogging:  true,
	}
}
