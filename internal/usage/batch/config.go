package batch

import "time"

// Config controls usage event buffering and the flush loop.
type Config struct {
	// QueueBound is the maximum number of buffered events before
	// Enqueue flushes synchronously to apply backpressure.
	QueueBound int
	// FlushSize is both the buffer threshold that wakes the worker
	// and the chunk size of one bulk insert.
	FlushSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueBound:    10000,
		FlushSize:     100,
		FlushInterval: 2 * time.Second,
		FlushTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.QueueBound <= 0 {
		c.QueueBound = defaults.QueueBound
	}
	if c.FlushSize <= 0 {
		c.FlushSize = defaults.FlushSize
	}
	if c.QueueBound < c.FlushSize {
		c.QueueBound = c.FlushSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaults.FlushTimeout
	}
	return c
}
