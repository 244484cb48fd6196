package ws

import (
	"testing"
	"time"

	"github.com/coder/websocket"
	mirrorsync "github.com/openmined/syftmirror/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() mirrorsync.Event {
	return mirrorsync.Event{
		ID:        "ev-1",
		Type:      mirrorsync.EventRetryScheduled,
		Path:      "docs/a.txt",
		Providers: []string{"disk", "s3"},
		Attempt:   3,
		Error:     "connection reset",
		Time:      time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCodec_JSON(t *testing.T) {
	typ, data, err := Marshal(newEventMessage(testEvent()), EncodingJSON)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	assert.Contains(t, string(data), `"type":"event"`)

	msg, enc, err := Unmarshal(typ, data)
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, enc)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "docs/a.txt", msg.Event.Path)
	assert.True(t, msg.Event.Time.Equal(testEvent().Time))
}

func TestCodec_MsgPack(t *testing.T) {
	typ, data, err := Marshal(newEventMessage(testEvent()), EncodingMsgPack)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, typ)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{'S', 'M', 1, byte(EncodingMsgPack)}, data[:4])

	msg, enc, err := Unmarshal(typ, data)
	require.NoError(t, err)
	assert.Equal(t, EncodingMsgPack, enc)
	assert.Equal(t, MsgEvent, msg.Type)
	require.NotNil(t, msg.Event)

	want := testEvent()
	assert.Equal(t, want.ID, msg.Event.ID)
	assert.Equal(t, want.Type, msg.Event.Type)
	assert.Equal(t, want.Providers, msg.Event.Providers)
	assert.Equal(t, want.Attempt, msg.Event.Attempt)
	assert.Equal(t, want.Error, msg.Event.Error)
	assert.True(t, msg.Event.Time.Equal(want.Time))
}

func TestCodec_RejectsBadEnvelope(t *testing.T) {
	_, _, err := Unmarshal(websocket.MessageBinary, []byte{'X', 'Y', 1, 1, 0})
	assert.Error(t, err)

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'S', 'M', 9, 1})
	assert.ErrorContains(t, err, "version")

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'S', 'M', 1, 7})
	assert.ErrorContains(t, err, "unknown encoding")
}

func TestPreferredEncoding(t *testing.T) {
	assert.Equal(t, EncodingMsgPack, PreferredEncoding("msgpack,json"))
	assert.Equal(t, EncodingJSON, PreferredEncoding(" JSON , msgpack"))
	assert.Equal(t, EncodingMsgPack, PreferredEncoding("cbor, MsgPack"))
	assert.Equal(t, EncodingJSON, PreferredEncoding(""))
	assert.Equal(t, "msgpack", EncodingMsgPack.String())
}
