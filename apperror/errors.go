package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed set of failures the recordings pipeline reports.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidSession
	KindSessionNotFound
	KindEmptySession
	KindNonContiguousChunks
	KindInvalidChunk
	KindUnreadableMedia
	KindDurationMismatch
	KindMergeInProgress
	KindStorageUnavailable
	KindStorageQuotaExceeded
	KindDeadlineExceeded
)

var kindNames = map[Kind]string{
	KindInternal:             "Internal",
	KindInvalidSession:       "InvalidSession",
	KindSessionNotFound:      "SessionNotFound",
	KindEmptySession:         "EmptySession",
	KindNonContiguousChunks:  "NonContiguousChunks",
	KindInvalidChunk:         "InvalidChunk",
	KindUnreadableMedia:      "UnreadableMedia",
	KindDurationMismatch:     "DurationMismatch",
	KindMergeInProgress:      "MergeInProgress",
	KindStorageUnavailable:   "StorageUnavailable",
	KindStorageQuotaExceeded: "StorageQuotaExceeded",
	KindDeadlineExceeded:     "DeadlineExceeded",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Category groups kinds by who has to act on them.
type Category int

const (
	CategoryInternal Category = iota
	CategoryInput
	CategoryConflict
	CategoryTransient
	CategoryIntegrity
)

func (c Category) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryConflict:
		return "conflict"
	case CategoryTransient:
		return "transient"
	case CategoryIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

func (k Kind) Category() Category {
	switch k {
	case KindInvalidSession, KindSessionNotFound, KindEmptySession, KindNonContiguousChunks, KindInvalidChunk:
		return CategoryInput
	case KindMergeInProgress:
		return CategoryConflict
	case KindStorageUnavailable, KindDeadlineExceeded:
		return CategoryTransient
	case KindUnreadableMedia, KindDurationMismatch:
		return CategoryIntegrity
	default:
		return CategoryInternal
	}
}

// Retryable reports whether repeating the same request may succeed without
// any change on the caller's side.
func (k Kind) Retryable() bool {
	c := k.Category()
	return c == CategoryTransient || c == CategoryConflict
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidSession, KindEmptySession, KindNonContiguousChunks, KindInvalidChunk:
		return http.StatusBadRequest
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindMergeInProgress:
		return http.StatusConflict
	case KindUnreadableMedia, KindDurationMismatch:
		return http.StatusUnprocessableEntity
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindStorageQuotaExceeded:
		return http.StatusInsufficientStorage
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single error type surfaced by every pipeline component.
// Fields beyond Kind are populated only where the kind defines them.
type Error struct {
	Kind       Kind
	Op         string
	SessionKey string
	Message    string

	// NonContiguousChunks
	MissingIndex int

	// DurationMismatch, seconds
	Expected float64
	Actual   float64

	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinel values below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

var (
	ErrInvalidSession       = &Error{Kind: KindInvalidSession}
	ErrSessionNotFound      = &Error{Kind: KindSessionNotFound}
	ErrEmptySession         = &Error{Kind: KindEmptySession}
	ErrNonContiguousChunks  = &Error{Kind: KindNonContiguousChunks}
	ErrInvalidChunk         = &Error{Kind: KindInvalidChunk}
	ErrUnreadableMedia      = &Error{Kind: KindUnreadableMedia}
	ErrDurationMismatch     = &Error{Kind: KindDurationMismatch}
	ErrMergeInProgress      = &Error{Kind: KindMergeInProgress}
	ErrStorageUnavailable   = &Error{Kind: KindStorageUnavailable}
	ErrStorageQuotaExceeded = &Error{Kind: KindStorageQuotaExceeded}
	ErrDeadlineExceeded     = &Error{Kind: KindDeadlineExceeded}
)

// KindOf returns the kind of the first *Error in err's chain. Bare context
// deadline errors map to KindDeadlineExceeded; anything else is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func InvalidSession(key, reason string) *Error {
	return &Error{Kind: KindInvalidSession, SessionKey: key, Message: reason}
}

func SessionNotFound(key string) *Error {
	return &Error{Kind: KindSessionNotFound, SessionKey: key, Message: fmt.Sprintf("session %q has no staging area", key)}
}

func EmptySession(key string) *Error {
	return &Error{Kind: KindEmptySession, SessionKey: key, Message: fmt.Sprintf("session %q has no chunks", key)}
}

func NonContiguousChunks(key string, missing int) *Error {
	return &Error{
		Kind:         KindNonContiguousChunks,
		SessionKey:   key,
		MissingIndex: missing,
		Message:      fmt.Sprintf("chunk %d is missing", missing),
	}
}

func InvalidChunk(key, reason string) *Error {
	return &Error{Kind: KindInvalidChunk, SessionKey: key, Message: reason}
}

func UnreadableMedia(name string, err error) *Error {
	return &Error{Kind: KindUnreadableMedia, Message: name, Err: err}
}

func DurationMismatch(key string, expected, actual float64) *Error {
	return &Error{
		Kind:       KindDurationMismatch,
		SessionKey: key,
		Expected:   expected,
		Actual:     actual,
		Message:    fmt.Sprintf("expected %.3fs, merged %.3fs", expected, actual),
	}
}

func MergeInProgress(key string) *Error {
	return &Error{Kind: KindMergeInProgress, SessionKey: key, Message: fmt.Sprintf("session %q is being merged", key)}
}

func StorageUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Op: op, Err: err}
}

func StorageQuotaExceeded(op string, err error) *Error {
	return &Error{Kind: KindStorageQuotaExceeded, Op: op, Err: err}
}

func DeadlineExceeded(op string, err error) *Error {
	return &Error{Kind: KindDeadlineExceeded, Op: op, Err: err}
}
