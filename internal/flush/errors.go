package flush

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	ErrFlushFailed = errors.ErrorCode("flush_failed")
	ErrLogFailed   = errors.ErrorCode("flush_log_failed")
)
