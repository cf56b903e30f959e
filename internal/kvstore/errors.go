package kvstore

import "codeberg.org/mutker/fieldlogd/internal/errors"

const (
	// Initialization and Lifecycle Errors
	ErrInvalidPath  = errors.ErrorCode("kv_invalid_path")
	ErrStorageInit  = errors.ErrorCode("kv_storage_init_failed")
	ErrStorageClose = errors.ErrorCode("kv_storage_close_failed")

	// Access Errors
	ErrKeyNotFound   = errors.ErrorCode("kv_key_not_found")
	ErrStorageAccess = errors.ErrorCode("kv_storage_access_failed")
)
