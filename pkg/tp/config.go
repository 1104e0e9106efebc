package tp

import (
	"fmt"
	"time"
)

// FirstSeq is the first sequence number of every session. It sits just
// below the wrap point so that every test crosses it.
const FirstSeq uint32 = 0xFFFFFFFF - 2000

// Defaults.
const (
	DefaultSegmentSize       = 1450
	DefaultMaxSessions       = 5
	DefaultTestLength        = 10 * time.Second
	DefaultRecvTimeout       = time.Second
	DefaultInitialRTO        = 1000 * time.Millisecond
	DefaultMinRTO            = 200 * time.Millisecond
	DefaultMaxRTO            = 30000 * time.Millisecond
	DefaultWaitInterval      = 100 * time.Millisecond
	maxSegmentSize           = 65535 - HeaderLen
	minSegmentSize           = 1
	defaultCannotSendBackoff = time.Millisecond
)

// Config holds the meter tunables.
type Config struct {
	// SegmentSize is the payload carried by one test segment (MSS).
	SegmentSize int

	// MaxSessions caps concurrent sessions of both roles.
	MaxSessions int

	// DefaultTestLength is used when Start is given a zero length.
	DefaultTestLength time.Duration

	// RecvTimeout ends a receiver session after this much silence.
	RecvTimeout time.Duration

	// InitialRTO is the retransmission timeout before any RTT sample.
	InitialRTO time.Duration

	// MinRTO floors the computed timeout. Zero disables the floor.
	MinRTO time.Duration

	// MaxRTO ends a sender whose timeout has backed off this far.
	MaxRTO time.Duration

	// WaitInterval bounds a wait for congestion window room.
	WaitInterval time.Duration
}

// DefaultConfig returns the default meter configuration.
func DefaultConfig() Config {
	return Config{
		SegmentSize:       DefaultSegmentSize,
		MaxSessions:       DefaultMaxSessions,
		DefaultTestLength: DefaultTestLength,
		RecvTimeout:       DefaultRecvTimeout,
		InitialRTO:        DefaultInitialRTO,
		MinRTO:            DefaultMinRTO,
		MaxRTO:            DefaultMaxRTO,
		WaitInterval:      DefaultWaitInterval,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SegmentSize == 0 {
		c.SegmentSize = d.SegmentSize
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.DefaultTestLength == 0 {
		c.DefaultTestLength = d.DefaultTestLength
	}
	if c.RecvTimeout == 0 {
		c.RecvTimeout = d.RecvTimeout
	}
	if c.InitialRTO == 0 {
		c.InitialRTO = d.InitialRTO
	}
	if c.MaxRTO == 0 {
		c.MaxRTO = d.MaxRTO
	}
	if c.WaitInterval == 0 {
		c.WaitInterval = d.WaitInterval
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.SegmentSize < minSegmentSize || c.SegmentSize > maxSegmentSize {
		return fmt.Errorf("segment size %d out of range [%d, %d]", c.SegmentSize, minSegmentSize, maxSegmentSize)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	if c.DefaultTestLength < 0 || c.RecvTimeout < 0 || c.WaitInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.InitialRTO < time.Millisecond {
		return fmt.Errorf("initial rto must be at least 1ms, got %v", c.InitialRTO)
	}
	if c.MinRTO < 0 || c.MinRTO > c.MaxRTO {
		return fmt.Errorf("min rto %v must be within [0, %v]", c.MinRTO, c.MaxRTO)
	}
	if c.MaxRTO < c.InitialRTO {
		return fmt.Errorf("max rto %v below initial rto %v", c.MaxRTO, c.InitialRTO)
	}
	return nil
}
