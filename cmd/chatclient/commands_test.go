package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineKeepsMessageBody(t *testing.T) {
	cmd, err := parseLine("send c1 see you at  9, bring water")
	require.NoError(t, err)
	assert.Equal(t, "send", cmd.name)
	assert.Equal(t, []string{"c1", "see you at  9, bring water"}, cmd.args)
}

func TestParseLineReply(t *testing.T) {
	cmd, err := parseLine("reply c1 m4 sounds good")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "m4", "sounds good"}, cmd.args)
}

func TestParseLineNoArgs(t *testing.T) {
	cmd, err := parseLine("  RESYNC ")
	require.NoError(t, err)
	assert.Equal(t, "resync", cmd.name)
	assert.Empty(t, cmd.args)
}

func TestParseLineOptionalFocusConversation(t *testing.T) {
	cmd, err := parseLine("focus c7")
	require.NoError(t, err)
	assert.Equal(t, []string{"c7"}, cmd.args)

	cmd, err = parseLine("focus")
	require.NoError(t, err)
	assert.Empty(t, cmd.args)
}

func TestParseLineErrors(t *testing.T) {
	for _, line := range []string{"", "shout hi", "send c1", "read c1", "delete"} {
		_, err := parseLine(line)
		assert.ErrorIs(t, err, errUsage, line)
	}
}
