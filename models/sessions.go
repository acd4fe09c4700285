package models

import (
	"regexp"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

type SessionState string

const (
	StateCollecting SessionState = "collecting"
	StateMerging    SessionState = "merging"
	StateVerifying  SessionState = "verifying"
	StatePublishing SessionState = "publishing"
	StatePublished  SessionState = "published"
	StateAbandoned  SessionState = "abandoned"
)

var transitions = map[SessionState][]SessionState{
	StateCollecting: {StateCollecting, StateMerging, StateAbandoned},
	StateMerging:    {StateVerifying, StateCollecting},
	StateVerifying:  {StatePublishing, StateCollecting},
	StatePublishing: {StatePublished, StateCollecting},
	StatePublished:  {StateAbandoned},
	StateAbandoned:  {StateCollecting},
}

// CanTransition reports whether the pipeline state machine allows moving
// from one state to another. Abandoned -> Collecting is a fresh session
// reusing the key.
func CanTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InFlight reports whether a merge pipeline currently owns the session.
func (s SessionState) InFlight() bool {
	return s == StateMerging || s == StateVerifying || s == StatePublishing
}

// Session is the lifecycle record of one recording upload.
type Session struct {
	Key             string       `dynamodbav:"session_key" json:"sessionKey"`
	State           SessionState `dynamodbav:"status" json:"state"`
	CreatedAt       time.Time    `dynamodbav:"created_at,unixtime" json:"createdAt"`
	UpdatedAt       time.Time    `dynamodbav:"updated_at,unixtime" json:"updatedAt"`
	StorageKey      string       `dynamodbav:"storage_key,omitempty" json:"storageKey,omitempty"`
	DurationSeconds float64      `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	LastError       string       `dynamodbav:"last_error,omitempty" json:"lastError,omitempty"`
	LastErrorKind   string       `dynamodbav:"last_error_kind,omitempty" json:"lastErrorKind,omitempty"`
	// StagingPurged is set once a published session has no staged chunks
	// left; such records drop out of the expiry sweep.
	StagingPurged bool `dynamodbav:"staging_purged,omitempty" json:"-"`
}

// Settled reports whether the session needs no further expiry work.
func (s Session) Settled() bool {
	return s.State == StatePublished && s.StagingPurged
}

func NewSession(key string, now time.Time) Session {
	return Session{
		Key:       key,
		State:     StateCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SessionStatus is what callers see when they ask about a session.
type SessionStatus struct {
	Session
	ChunkCount int `json:"chunkCount"`
}

const maxSessionKeyLen = 128

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSessionKey rejects keys that cannot safely name a staging area or
// a storage object.
func ValidateSessionKey(key string) error {
	switch {
	case key == "":
		return apperror.InvalidSession(key, "session key is empty")
	case len(key) > maxSessionKeyLen:
		return apperror.InvalidSession(key, "session key is too long")
	case strings.Contains(key, ".."):
		return apperror.InvalidSession(key, "session key must not contain '..'")
	case !sessionKeyPattern.MatchString(key):
		return apperror.InvalidSession(key, "session key contains invalid characters")
	}
	return nil
}
