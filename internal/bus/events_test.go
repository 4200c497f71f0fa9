package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundEnvelope_ConversationKey(t *testing.T) {
	msg := InboundEnvelope{Channel: "telegram", ChatID: "123"}
	assert.Equal(t, "telegram:123", msg.ConversationKey())
}

func TestInboundEnvelope_ConversationKey_Explicit(t *testing.T) {
	msg := InboundEnvelope{Channel: "wechat", ChatID: "u1", ConversationID: "webchat!alice!c9"}
	assert.Equal(t, "webchat!alice!c9", msg.ConversationKey())
}

func TestResultFragment_Terminal(t *testing.T) {
	assert.False(t, Plain("a", true).IsTerminal())
	assert.False(t, Image("https://x/y.png").IsTerminal())
	assert.False(t, Break().IsTerminal())
	assert.True(t, Complete("done").IsTerminal())
	assert.True(t, End().IsTerminal())
}

func TestResultFragment_Valid(t *testing.T) {
	assert.True(t, Plain("a", false).Valid())
	assert.False(t, ResultFragment{Type: "bogus"}.Valid())
}

func TestResultFragment_WireFormat(t *testing.T) {
	data, err := json.Marshal(Plain("hi", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"plain","data":"hi","streaming":true}`, string(data))

	var env ResultEnvelope
	require.NoError(t, json.Unmarshal([]byte(`{"stream_id":"s1","fragment":{"type":"end","streaming":false}}`), &env))
	assert.Equal(t, "s1", env.StreamID)
	assert.True(t, env.Fragment.IsTerminal())
}
