package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/tallyhq/tallyd/internal/core/anchor"
	"github.com/tallyhq/tallyd/internal/core/entity"
	"github.com/tallyhq/tallyd/internal/core/journal"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/core/tenant"
	"github.com/tallyhq/tallyd/internal/vault"
)

// JSON-RPC 2.0 protocol codes plus the daemon's application codes. The
// application codes sit in the reserved -32000..-32099 server range; the
// error's data member carries the taxonomy label clients switch on.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeValidation = -32000
	CodeNotFound   = -32001
	CodeConflict   = -32002
	CodeIntegrity  = -32003
	CodeCrypto     = -32004
	CodeTransient  = -32005
)

// Taxonomy labels carried in the error data member.
const (
	labelValidation = "validation"
	labelNotFound   = "not_found"
	labelConflict   = "conflict"
	labelIntegrity  = "integrity"
	labelCrypto     = "crypto"
	labelTransient  = "transient"
	labelInternal   = "internal"
)

// RpcError is the error member of a JSON-RPC 2.0 response.
type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRpcError builds an error response member.
func NewRpcError(code int, message, data string) *RpcError {
	return &RpcError{Code: code, Message: message, Data: data}
}

func errParse(err error) *RpcError {
	return NewRpcError(CodeParse, "invalid JSON: "+err.Error(), labelValidation)
}

func errInvalidRequest(message string) *RpcError {
	return NewRpcError(CodeInvalidRequest, message, labelValidation)
}

func errMethodNotFound(method string) *RpcError {
	return NewRpcError(CodeMethodNotFound, fmt.Sprintf("method %q not found", method), labelValidation)
}

func errInvalidParams(format string, args ...any) *RpcError {
	return NewRpcError(CodeInvalidParams, fmt.Sprintf(format, args...), labelValidation)
}

func errInternal(err error) *RpcError {
	return NewRpcError(CodeInternal, err.Error(), labelInternal)
}

// fromError maps core errors onto the wire taxonomy. Sentinel wrapping in the
// core packages keeps the message specific while errors.Is picks the code.
func fromError(err error) *RpcError {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewRpcError(CodeTransient, "request cancelled or timed out", labelTransient)

	case errors.Is(err, journal.ErrBadSubmission),
		errors.Is(err, entity.ErrValidation),
		errors.Is(err, entity.ErrUnknownType),
		errors.Is(err, ledger.ErrInvalidAppend),
		errors.Is(err, tenant.ErrInvalidID):
		return NewRpcError(CodeValidation, err.Error(), labelValidation)

	case errors.Is(err, entity.ErrNotFound),
		errors.Is(err, journal.ErrEntryNotFound),
		errors.Is(err, ledger.ErrEventNotFound),
		errors.Is(err, anchor.ErrNotAnchored),
		errors.Is(err, tenant.ErrNotFound):
		return NewRpcError(CodeNotFound, err.Error(), labelNotFound)

	case errors.Is(err, entity.ErrExists),
		errors.Is(err, entity.ErrDeleted):
		return NewRpcError(CodeConflict, err.Error(), labelConflict)

	case errors.Is(err, ledger.ErrQuarantined),
		errors.Is(err, ledger.ErrIntegrity),
		errors.Is(err, anchor.ErrMismatch),
		errors.Is(err, anchor.ErrRangeGap):
		return NewRpcError(CodeIntegrity, err.Error(), labelIntegrity)

	case errors.Is(err, vault.ErrNoMasterSecret),
		errors.Is(err, vault.ErrNotCiphertext),
		errors.Is(err, vault.ErrTenantMismatch),
		errors.Is(err, vault.ErrCiphertextInvalid):
		return NewRpcError(CodeCrypto, err.Error(), labelCrypto)

	default:
		return errInternal(err)
	}
}
