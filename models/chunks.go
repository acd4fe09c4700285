package models

import (
	"fmt"
	"time"
)

// ChunkRef points at one staged chunk of a session.
type ChunkRef struct {
	SessionKey string `json:"sessionKey"`
	Index      int    `json:"index"`
	Size       int64  `json:"size"`
	// Location is backend specific: a file path, an object key or a map key.
	Location string `json:"-"`
}

func (c ChunkRef) String() string {
	return fmt.Sprintf("%s/chunk_%d", c.SessionKey, c.Index)
}

// MergedArtifact is the transient merge output living in the scratch dir.
type MergedArtifact struct {
	SessionKey      string
	Path            string
	Size            int64
	ContentType     string
	Extension       string
	DurationSeconds float64
}

type StorageObject struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// AccessGrant is a time bounded retrieval URL. It is never persisted.
type AccessGrant struct {
	URL       string    `json:"accessUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (g AccessGrant) ExpiresInSeconds(now time.Time) int64 {
	d := g.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

type MergeResult struct {
	SessionKey      string
	Object          StorageObject
	Grant           AccessGrant
	DurationSeconds float64
	ChunkCount      int
}

type RemoveOutcome string

const (
	RemoveOutcomeRemoved  RemoveOutcome = "removed"
	RemoveOutcomeNotFound RemoveOutcome = "not_found"
)

// MergeRequestedEvent is the queue message asking for a session merge.
type MergeRequestedEvent struct {
	SessionKey string `json:"session_key"`
}
