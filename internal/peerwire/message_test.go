package peerwire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmwatch/crawler/internal/model"
)

func TestSendMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		id      int8
		payload []byte
	}{
		{"no payload", int8(model.MsgUnchoke), nil},
		{"have", int8(model.MsgHave), []byte{0, 0, 0, 7}},
		{"keepalive", int8(model.KeepAlive), nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, SendMessage(&buf, c.id, c.payload))

			msgs, err := CollectMessages(bufio.NewReader(&buf), 1, nil)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			if c.id < 0 {
				require.Equal(t, model.KeepAlive, msgs[0].Type)
				return
			}
			require.Equal(t, model.MessageType(c.id), msgs[0].Type)
			require.Equal(t, c.payload, msgs[0].Payload)
		})
	}
}

func TestCollectMessagesRespectsMax(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		require.NoError(t, SendMessage(&buf, int8(model.MsgHave), []byte{0, 0, 0, byte(i)}))
	}

	msgs, err := CollectMessages(bufio.NewReader(&buf), 3, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "RECEIVE_MESSAGE_MAX caps collection even though more are buffered")
}

func TestCollectMessagesEOFIsNotError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendMessage(&buf, int8(model.MsgInterested), nil))

	msgs, err := CollectMessages(bufio.NewReader(&buf), 10, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
