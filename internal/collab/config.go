package collab

import "time"

// ProtocolVersion is the collab wire protocol this build speaks.
const ProtocolVersion uint32 = 1

// Config defines session protocol defaults.
type Config struct {
	ProtocolVersion          uint32
	ServiceType              string
	SessionTimeout           time.Duration
	BackgroundSessionTimeout time.Duration
	DecisionTimeout          time.Duration
	LinkReleaseDelay         time.Duration
}

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:          ProtocolVersion,
		ServiceType:              "collab",
		SessionTimeout:           20 * time.Second,
		BackgroundSessionTimeout: 5 * time.Second,
		DecisionTimeout:          10 * time.Second,
		LinkReleaseDelay:         5 * time.Second,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.ServiceType == "" {
		c.ServiceType = d.ServiceType
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.BackgroundSessionTimeout <= 0 {
		c.BackgroundSessionTimeout = d.BackgroundSessionTimeout
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = d.DecisionTimeout
	}
	if c.LinkReleaseDelay <= 0 {
		c.LinkReleaseDelay = d.LinkReleaseDelay
	}
	return c
}
