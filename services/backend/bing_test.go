package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpie-labs/kelpie/services/store"
)

func TestMessageTextPrefersAdaptiveCard(t *testing.T) {
	var msg bingWireMessage
	require.NoError(t, json.Unmarshal([]byte(`{
		"author": "bot",
		"text": "plain",
		"adaptiveCards": [{"body": [{"text": "card text [^1^]"}]}]
	}`), &msg))
	assert.Equal(t, "card text [^1^]", messageText(msg))

	msg.AdaptiveCards = nil
	assert.Equal(t, "plain", messageText(msg))
}

func TestLastBotMessageSkipsUserEcho(t *testing.T) {
	messages := []bingWireMessage{
		{Author: "user", Text: "question"},
		{Author: "bot", Text: "first"},
		{Author: "bot", Text: "final"},
	}
	msg, ok := lastBotMessage(messages)
	require.True(t, ok)
	assert.Equal(t, "final", msg.Text)

	_, ok = lastBotMessage([]bingWireMessage{{Author: "user", Text: "q"}})
	assert.False(t, ok)
}

func TestLoadPreviousTurnsOldestFirst(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.PutTurn(&store.Turn{ID: "u1", Role: "user", Text: "one"}))
	require.NoError(t, st.PutTurn(&store.Turn{ID: "b1", ParentID: "u1", Role: "bot", Text: "two"}))

	c := &BingClient{turns: st}
	previous, err := c.loadPreviousTurns("b1")
	require.NoError(t, err)

	require.Len(t, previous, 2)
	assert.Equal(t, "one", previous[0]["text"])
	assert.Equal(t, "two", previous[1]["text"])
}
