package wire_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/wire"
)

func TestEncodeChat(t *testing.T) {
	data, err := wire.Encode(fabrictypes.FrameChat, "hello")
	require.NoError(t, err)
	require.Equal(t, `{"type":"chat","content":"hello"}`+"\n", string(data))
}

func TestEncodePing(t *testing.T) {
	data, err := wire.Encode(fabrictypes.FramePing, "")
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`+"\n", string(data))
}

func TestDecodePrefersResponseOverContent(t *testing.T) {
	resp, err := wire.Decode([]byte(`{"content":"c","response":"r"}`))
	require.NoError(t, err)
	require.Equal(t, "r", resp.Content)
	require.True(t, resp.OK)
}

func TestDecodeInfoPassthrough(t *testing.T) {
	resp, err := wire.Decode([]byte(`{"model_name":"apollo-3","capabilities":["chat","plan"]}`))
	require.NoError(t, err)
	require.Equal(t, "apollo-3", resp.ModelName)
	require.Equal(t, []string{"chat", "plan"}, resp.Capabilities)
}

func TestDecodeErrorFrame(t *testing.T) {
	resp, err := wire.Decode([]byte(`{"error":"boom"}`))
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, "boom", resp.Error)
}

func TestDecodeOversizeFrameFails(t *testing.T) {
	big := make([]byte, wire.MaxFrameSize+1)
	_, err := wire.Decode(big)
	require.Error(t, err)
	var fe *fabrictypes.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fabrictypes.ErrProtocolError, fe.Kind)
}

func TestReadFrameStaysAlignedAcrossFrames(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("one\ntwo\nthree\n"))
	for _, want := range []string{"one", "two", "three"} {
		got, err := wire.ReadFrame(r)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestReadFrameOversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, wire.MaxFrameSize+10))
	buf.WriteByte('\n')
	r := bufio.NewReader(&buf)
	_, err := wire.ReadFrame(r)
	require.Error(t, err)
}

// Property: decoding the encoding of chat(b) always yields content == b.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		body := rapid.StringOfN(rapid.RuneFrom(nil), 0, 64, -1).Draw(rt, "body")
		data, err := wire.Encode(fabrictypes.FrameChat, body)
		require.NoError(rt, err)
		var frame struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		require.NoError(rt, json.Unmarshal(data, &frame))
		require.Equal(rt, "chat", frame.Type)
		require.Equal(rt, body, frame.Content)

		// The encoded frame, once echoed back by a specialist as
		// {"response": body}, must decode to the same body.
		echoedBody, err := json.Marshal(body)
		require.NoError(rt, err)
		echoed := []byte(`{"response":` + string(echoedBody) + `}`)
		resp, err := wire.Decode(echoed)
		require.NoError(rt, err)
		require.Equal(rt, body, resp.Content)
	})
}
