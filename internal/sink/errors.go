package sink

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	ErrInvalidFileName = errors.ErrorCode("sink_invalid_file_name")
	ErrFileNotFound    = errors.ErrorCode("sink_file_not_found")
	ErrListFailed      = errors.ErrorCode("sink_list_failed")
)
