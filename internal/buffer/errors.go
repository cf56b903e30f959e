package buffer

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	ErrBufferFull     = errors.ErrorCode("buffer_full")
	ErrRecordTooLarge = errors.ErrorCode("buffer_record_too_large")
	ErrRestoreFailed  = errors.ErrorCode("buffer_restore_failed")
)
