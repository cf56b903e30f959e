package sleep

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	ErrSuspendFailed = errors.ErrorCode("sleep_suspend_failed")
)
