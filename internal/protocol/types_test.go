package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeArguments_Object(t *testing.T) {
	args, err := DecodeArguments(json.RawMessage(`{"filepath":"notes/a.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "notes/a.txt", args["filepath"])
}

func TestDecodeArguments_JSONString(t *testing.T) {
	args, err := DecodeArguments(json.RawMessage(`"{\"command\":\"ls\"}"`))
	require.NoError(t, err)
	assert.Equal(t, "ls", args["command"])
}

func TestDecodeArguments_RepairsAlmostJSON(t *testing.T) {
	// Trailing comma and single quotes are common model output defects.
	args, err := DecodeArguments(json.RawMessage(`"{'filepath': 'a.txt',}"`))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", args["filepath"])
}

func TestDecodeArguments_RejectsGarbage(t *testing.T) {
	_, err := DecodeArguments(json.RawMessage(`"][not json at all ]["`))
	assert.Error(t, err)
}

func TestDecodeArguments_Empty(t *testing.T) {
	args, err := DecodeArguments(nil)
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = DecodeArguments(json.RawMessage(`""`))
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestDecodeArguments_RejectsArray(t *testing.T) {
	_, err := DecodeArguments(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestEventRoundTrip(t *testing.T) {
	payload := `{"id":"ev-1","callback_id":"cb-9","tool_call":{"function":{"name":"READ_FILE","arguments":{"filepath":"a.txt"}}}}`
	var event Event
	require.NoError(t, json.Unmarshal([]byte(payload), &event))
	assert.Equal(t, "ev-1", event.ID)
	assert.Equal(t, "cb-9", event.CallbackID)
	assert.Equal(t, "READ_FILE", event.ToolCall.Function.Name)
}
