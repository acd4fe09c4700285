package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/stretchr/testify/assert"
)

func TestValidateSessionKey(t *testing.T) {
	valid := []string{"abc", "1700000000000", "rec-01.part_2"}
	for _, k := range valid {
		assert.NoError(t, ValidateSessionKey(k), k)
	}

	invalid := []string{"", "../etc", "a/b", "-lead", "a..b", "sp ace", strings.Repeat("x", 129)}
	for _, k := range invalid {
		err := ValidateSessionKey(k)
		assert.True(t, errors.Is(err, apperror.ErrInvalidSession), k)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateCollecting, StateMerging))
	assert.True(t, CanTransition(StateVerifying, StateCollecting))
	assert.True(t, CanTransition(StatePublished, StateAbandoned))
	assert.False(t, CanTransition(StateCollecting, StatePublished))
	assert.False(t, CanTransition(StatePublished, StateCollecting))
	assert.False(t, CanTransition(StateMerging, StatePublished))
}

func TestAccessGrantExpiresIn(t *testing.T) {
	now := time.Now()
	g := AccessGrant{URL: "https://example", ExpiresAt: now.Add(90 * time.Second)}
	assert.Equal(t, int64(90), g.ExpiresInSeconds(now))
	assert.Equal(t, int64(0), g.ExpiresInSeconds(now.Add(time.Hour)))
}
