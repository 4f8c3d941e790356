package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	Line     string `json:"line"`
	Severity int    `json:"severity"`
}

func TestMessageContainer(t *testing.T) {
	t.Run("parses lazily and caches the value", func(t *testing.T) {
		body := []byte(`{"line":"disk full","severity":3}`)
		container := NewMessageContainer[testMessage](body, Properties{ReplyTo: "amq.gen-1"})

		msg, err := container.Message()
		require.NoError(t, err)
		assert.Equal(t, "disk full", msg.Line)
		assert.Equal(t, 3, msg.Severity)

		raw, err := container.MessageJSON()
		require.NoError(t, err)
		assert.Equal(t, string(body), raw)
		assert.Equal(t, "amq.gen-1", container.Properties.ReplyTo)
	})

	t.Run("body is parsed at most once", func(t *testing.T) {
		container := NewMessageContainer[testMessage]([]byte(`{"line":"first"}`), Properties{})

		first, err := container.Message()
		require.NoError(t, err)

		container.Body = []byte(`{"line":"second"}`)
		second, err := container.Message()
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("parse failure is captured not raised", func(t *testing.T) {
		container := NewMessageContainer[testMessage]([]byte(`not json`), Properties{})

		err := container.ParseErr()
		require.Error(t, err)

		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "not json", parseErr.Body)
		assert.Contains(t, err.Error(), "could not parse message not json")

		_, msgErr := container.Message()
		assert.Same(t, err, msgErr)

		raw, jsonErr := container.MessageJSON()
		assert.Empty(t, raw)
		assert.Same(t, err, jsonErr)
	})
}

func TestParseMessage(t *testing.T) {
	msg, raw, err := ParseMessage[testMessage]([]byte(`{"line":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Line)
	assert.Equal(t, `{"line":"ok"}`, raw)

	_, _, err = ParseMessage[testMessage]([]byte(`{"severity":"high"}`))
	assert.Error(t, err)
}
