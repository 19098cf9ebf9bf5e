package recorder

import (
	"time"

	"github.com/yanun0323/errors"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultQueueSize             = 1 << 14
	defaultBufferSize            = 256 << 10
	defaultFilePrefix            = "md"
)

// Config controls the incremental feed recorder.
type Config struct {
	Dir             string        `json:"dir"`
	FilePrefix      string        `json:"filePrefix"`
	SegmentMaxBytes int64         `json:"segmentMaxBytes"`
	QueueSize       int           `json:"queueSize"`
	BufferSize      int           `json:"bufferSize"`
	FlushInterval   time.Duration `json:"flushInterval"`
	SyncInterval    time.Duration `json:"syncInterval"`
}

// DefaultConfig returns a baseline configuration for the feed recorder.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FilePrefix:      defaultFilePrefix,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		QueueSize:       defaultQueueSize,
		BufferSize:      defaultBufferSize,
		FlushInterval:   100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.New("recorder: dir is empty")
	case c.SegmentMaxBytes <= recordOverhead:
		return errors.Errorf("recorder: segment max bytes %d too small", c.SegmentMaxBytes)
	case c.QueueSize <= 0:
		return errors.Errorf("recorder: queue size %d must be > 0", c.QueueSize)
	case c.BufferSize <= 0:
		return errors.Errorf("recorder: buffer size %d must be > 0", c.BufferSize)
	case c.FlushInterval < 0 || c.SyncInterval < 0:
		return errors.New("recorder: intervals must be >= 0")
	}
	return nil
}
