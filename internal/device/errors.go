package device

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	ErrMissingComponent = errors.ErrorCode("device_missing_component")
)
