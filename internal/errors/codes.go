package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Storage errors
	ErrTransientIO  ErrorCode = "transient_io_error"
	ErrMediumAbsent ErrorCode = "storage_medium_absent"

	// Connectivity errors
	ErrConnectivity ErrorCode = "connectivity_failed"

	// Exhaustion errors
	ErrExhaustion ErrorCode = "error_budget_exhausted"

	// Application errors
	ErrInitApp  ErrorCode = "init_app_failed"
	ErrMainLoop ErrorCode = "main_loop_failed"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrNotImplemented:   "Operation not implemented",
	ErrUnavailable:      "Service unavailable",
	ErrInvalidConfig:    "Invalid configuration",
	ErrMissingConfig:    "Missing configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read configuration",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrTransientIO:      "Storage write failed",
	ErrMediumAbsent:     "Storage medium not present",
	ErrConnectivity:     "Network connectivity failed",
	ErrExhaustion:       "Consecutive error budget exhausted",
	ErrInitApp:          "Failed to initialize application",
	ErrMainLoop:         "Error in main loop",
	ErrOperationFailed:  "Operation failed",
	ErrTimeout:          "Operation timed out",
	ErrInvalidOperation: "Invalid operation",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
