package writeback

import "time"

// Config controls the replay queue and its flush loop.
type Config struct {
	// QueueBound is the buffered-result ceiling before Enqueue flushes
	// synchronously to apply backpressure.
	QueueBound    int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueBound:    1024,
		FlushInterval: time.Second,
		FlushTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.QueueBound <= 0 {
		c.QueueBound = defaults.QueueBound
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaults.FlushTimeout
	}
	return c
}
