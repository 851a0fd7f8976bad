package ioerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	e := New(KindSetBuf2, nil)
	assert.Equal(t, "socket buffer size requested is larger than actual set", e.Error())

	wrapped := New(KindStreamRead, errors.New("connection reset"))
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestIsAndKindOf(t *testing.T) {
	err := New(KindNoMsg, nil)
	wrapped := fmt.Errorf("accept loop: %w", err)

	assert.True(t, Is(wrapped, KindNoMsg))
	assert.False(t, Is(wrapped, KindTimeout))
	assert.Equal(t, KindNoMsg, KindOf(wrapped))
	assert.Equal(t, KindNone, KindOf(errors.New("plain")))
}

func TestRestartable(t *testing.T) {
	assert.True(t, Restartable(KindNoMsg))
	assert.True(t, Restartable(KindClientTerm))
	assert.False(t, Restartable(KindListen))
}
