// errors.go: Error codes for Verge operations
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	goerrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for Verge operations
const (
	ErrCodeInvalidConfig     = "VERGE_INVALID_CONFIG"
	ErrCodeDraftInProgress   = "VERGE_DRAFT_IN_PROGRESS"
	ErrCodeNoBaseProfile     = "VERGE_NO_BASE_PROFILE"
	ErrCodeProfileRead       = "VERGE_PROFILE_READ"
	ErrCodeProfileInvalid    = "VERGE_PROFILE_INVALID"
	ErrCodeItemNotFound      = "VERGE_ITEM_NOT_FOUND"
	ErrCodeItemInChain       = "VERGE_ITEM_IN_CHAIN"
	ErrCodeMerge             = "VERGE_MERGE"
	ErrCodeScript            = "VERGE_SCRIPT"
	ErrCodeGeneration        = "VERGE_GENERATION"
	ErrCodeNoRuntimeDocument = "VERGE_NO_RUNTIME_DOCUMENT"
	ErrCodeWrite             = "VERGE_WRITE"
	ErrCodeEngine            = "VERGE_ENGINE"
	ErrCodeTimeout           = "VERGE_TIMEOUT"
	ErrCodePool              = "VERGE_POOL"
	ErrCodePersist           = "VERGE_PERSIST"
	ErrCodeWatcherBusy       = "VERGE_WATCHER_BUSY"
	ErrCodeWatcherStopped    = "VERGE_WATCHER_STOPPED"
	ErrCodeRemote            = "VERGE_REMOTE"
)

// ErrorCode extracts the Verge error code carried by err, walking the
// wrap chain. It returns an empty string for foreign errors.
func ErrorCode(err error) string {
	for err != nil {
		if coder, ok := err.(errors.ErrorCoder); ok {
			return string(coder.ErrorCode())
		}
		err = goerrors.Unwrap(err)
	}
	return ""
}

// HasCode reports whether err or any error it wraps carries the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		if coder, ok := err.(errors.ErrorCoder); ok && string(coder.ErrorCode()) == code {
			return true
		}
		err = goerrors.Unwrap(err)
	}
	return false
}
