package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPauseCmd_Structure(t *testing.T) {
	t.Parallel()

	cmd := newPauseCmd()
	assert.Equal(t, "pause", cmd.Use)
}
