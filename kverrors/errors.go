// Package kverrors defines the semantic error taxonomy that the KV
// dispatcher surfaces to callers (spec §4.E/§7): every raw protocol status
// or transport failure is mapped to one of a small set of Kinds so callers
// can branch on meaning rather than a numeric wire status.
package kverrors

import (
	"errors"
	"fmt"

	"github.com/jsp-lqk/gocb-kv-engine/memd"
)

// Kind is the semantic classification of a KV error.
type Kind int

const (
	KindUnknown Kind = iota
	KindKeyNotFound
	KindKeyExists
	KindValueTooLarge
	KindInvalidArgument
	KindTemporaryFailure
	KindTimeout
	KindLocked
	KindDurability
	KindAuth
	KindInternalOrRetryable
	KindPathNotFound
	KindPathMismatch
	KindPathInvalid
	KindPathTooBig
	KindSubdocGeneric
	KindTransport
	KindClient
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindKeyNotFound:
		return "KeyNotFound"
	case KindKeyExists:
		return "KeyExists"
	case KindValueTooLarge:
		return "ValueTooLarge"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindTemporaryFailure:
		return "TemporaryFailure"
	case KindTimeout:
		return "Timeout"
	case KindLocked:
		return "Locked"
	case KindDurability:
		return "Durability"
	case KindAuth:
		return "Auth"
	case KindInternalOrRetryable:
		return "InternalOrRetryable"
	case KindPathNotFound:
		return "PathNotFound"
	case KindPathMismatch:
		return "PathMismatch"
	case KindPathInvalid:
		return "PathInvalid"
	case KindPathTooBig:
		return "PathTooBig"
	case KindSubdocGeneric:
		return "SubdocGeneric"
	case KindTransport:
		return "Transport"
	case KindClient:
		return "Client"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every KV operation that
// fails. It always carries kind, raw status, and the originating opcode
// and key (spec §7 "Errors always carry...").
type Error struct {
	Kind   Kind
	Status memd.StatusCode
	Opcode memd.CmdCode
	// Key is redacted by the caller-facing formatter (Error()); it is kept
	// unredacted on the struct for collaborators (e.g. a Redactor sink)
	// that need the raw value.
	Key   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("kv: %s (status 0x%x, opcode 0x%x, key <redacted>): %s", e.Kind, uint16(e.Status), uint8(e.Opcode), e.Cause)
	}
	return fmt.Sprintf("kv: %s (status 0x%x, opcode 0x%x, key <redacted>)", e.Kind, uint16(e.Status), uint8(e.Opcode))
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, kverrors.ErrKeyNotFound) style checks by
// comparing on Kind against the sentinel errors below.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.Kind == e.Kind && sentinel.Status == 0
}

// New builds an *Error of the given kind for the given opcode/key, wrapping
// cause if non-nil.
func New(kind Kind, status memd.StatusCode, opcode memd.CmdCode, key string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Opcode: opcode, Key: key, Cause: cause}
}

// Sentinel errors usable with errors.Is without needing a full *Error
// (kind-only comparisons), following the teacher's ErrConnectionOverloaded/
// ErrRequestTimeout sentinel-error convention.
var (
	ErrKeyNotFound    = &Error{Kind: KindKeyNotFound}
	ErrKeyExists      = &Error{Kind: KindKeyExists}
	ErrValueTooLarge  = &Error{Kind: KindValueTooLarge}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrTemporaryFailure = &Error{Kind: KindTemporaryFailure}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrLocked         = &Error{Kind: KindLocked}
	ErrDurability     = &Error{Kind: KindDurability}
	ErrAuth           = &Error{Kind: KindAuth}
	ErrInternal       = &Error{Kind: KindInternalOrRetryable}
	ErrPathNotFound   = &Error{Kind: KindPathNotFound}
	ErrPathMismatch   = &Error{Kind: KindPathMismatch}
	ErrPathInvalid    = &Error{Kind: KindPathInvalid}
	ErrPathTooBig     = &Error{Kind: KindPathTooBig}
	ErrSubdocGeneric  = &Error{Kind: KindSubdocGeneric}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrClient         = &Error{Kind: KindClient}
	ErrCancelled      = &Error{Kind: KindCancelled}

	// ErrPoolDisposed is returned by a Pool once Dispose has completed.
	ErrPoolDisposed = errors.New("kv: connection pool has been disposed")
)

// statusKinds implements the mapping table from spec §4.E.
var statusKinds = map[memd.StatusCode]Kind{
	memd.StatusKeyNotFound: KindKeyNotFound,
	memd.StatusKeyExists:   KindKeyExists,
	memd.StatusTooBig:      KindValueTooLarge,
	memd.StatusInvalidArgs: KindInvalidArgument,

	memd.StatusTmpFail:     KindTemporaryFailure,
	memd.StatusOutOfMemory: KindTemporaryFailure,
	memd.StatusBusy:        KindTemporaryFailure,

	memd.StatusLocked: KindLocked,

	memd.StatusDurabilityInvalidLevel:      KindDurability,
	memd.StatusDurabilityImpossible:        KindDurability,
	memd.StatusSyncWriteInProgress:         KindDurability,
	memd.StatusSyncWriteAmbiguous:          KindDurability,
	memd.StatusDocumentMutationLost:        KindDurability,
	memd.StatusDocumentMutationDetected:    KindDurability,
	memd.StatusNoReplicasFound:             KindDurability,

	memd.StatusAccessError: KindAuth,
	memd.StatusAuthError:   KindAuth,

	memd.StatusRollback:          KindInternalOrRetryable,
	memd.StatusNotMyVBucket:      KindInternalOrRetryable,
	memd.StatusNoBucket:          KindInternalOrRetryable,
	memd.StatusNotInitialized:    KindInternalOrRetryable,
	memd.StatusNotSupported:      KindInternalOrRetryable,
	memd.StatusUnknownCommand:    KindInternalOrRetryable,
	memd.StatusInternalError:     KindInternalOrRetryable,
	memd.StatusRangeError:        KindInternalOrRetryable,

	memd.StatusSubDocPathNotFound: KindPathNotFound,
	memd.StatusSubDocPathMismatch: KindPathMismatch,
	memd.StatusSubDocPathInvalid:  KindPathInvalid,
	memd.StatusSubDocPathTooBig:   KindPathTooBig,

	memd.StatusClientDecodeError: KindClient,
}

// KindForStatus maps a raw protocol status to its semantic Kind, per the
// table in spec §4.E. Any remaining sub-doc status not explicitly listed
// falls into KindSubdocGeneric; anything else falls into KindUnknown.
func KindForStatus(status memd.StatusCode) Kind {
	if k, ok := statusKinds[status]; ok {
		return k
	}
	if status.IsSubdoc() {
		return KindSubdocGeneric
	}
	return KindUnknown
}

// FromStatus builds a taxonomy Error for a non-success response status.
func FromStatus(status memd.StatusCode, opcode memd.CmdCode, key string) *Error {
	return New(KindForStatus(status), status, opcode, key, nil)
}

// NeedsConfigRefresh reports whether the given status is
// VBucketBelongsToAnotherServer (spec §4.E: must trigger a
// configuration-refresh hook before surfacing).
func NeedsConfigRefresh(status memd.StatusCode) bool {
	return status == memd.StatusNotMyVBucket
}
