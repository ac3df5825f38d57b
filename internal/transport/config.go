package transport

import "time"

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines stream transport defaults.
type Config struct {
	ListenAddr     string
	ConnectTimeout time.Duration
	HelloTimeout   time.Duration
	WriteTimeout   time.Duration
	DialAttempts   int
	Backoff        BackoffConfig
	// Peers maps a peer device id to its dial address.
	Peers map[string]string
}

// DefaultConfig returns the stock stream transport settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:7420",
		ConnectTimeout: 5 * time.Second,
		HelloTimeout:   5 * time.Second,
		WriteTimeout:   15 * time.Second,
		DialAttempts:   4,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = d.DialAttempts
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}
