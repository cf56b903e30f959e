package health

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	ErrReconnectFailed = errors.ErrorCode("health_reconnect_failed")
	ErrMemorySample    = errors.ErrorCode("health_memory_sample_failed")
)
