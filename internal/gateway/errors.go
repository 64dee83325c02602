// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package gateway

import "fmt"

// Error codes surfaced to clients.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeActionNotSupported = "ACTION_NOT_SUPPORTED"
	CodeActionFailed       = "ACTION_FAILED"
)

// Error is a client-visible gateway failure. The HTTP and WebSocket layers
// map Code onto their own status vocabulary.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func badRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func internalError(msg string, cause error) *Error {
	return &Error{Code: CodeInternalError, Message: msg, cause: cause}
}
