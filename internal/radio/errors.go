package radio

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	ErrPowerOnFailed  = errors.ErrorCode("radio_power_on_failed")
	ErrPowerOffFailed = errors.ErrorCode("radio_power_off_failed")
)
