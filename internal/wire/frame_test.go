package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	signer := NewSigner("deadbeef")
	msg := NewMessage("sess-1", MsgTypeExecuteRequest, ExecuteRequestContent{
		Code:         "print(1)",
		StoreHistory: true,
	})
	msg.Buffers = [][]byte{{0x01, 0x02}, {}}

	frames, err := Serialize(msg, signer)
	require.NoError(t, err)

	got, err := Deserialize(frames, signer)
	require.NoError(t, err)
	require.Equal(t, msg.Header.MsgID, got.Header.MsgID)
	require.Equal(t, MsgTypeExecuteRequest, got.Type())
	require.Equal(t, msg.Buffers, got.Buffers)

	var content ExecuteRequestContent
	require.NoError(t, got.DecodeContent(&content))
	require.Equal(t, "print(1)", content.Code)
	require.True(t, content.StoreHistory)
}

func TestDeserializeRejectsBadSignature(t *testing.T) {
	signer := NewSigner("deadbeef")
	msg := NewMessage("sess-1", MsgTypeExecuteRequest, ExecuteRequestContent{Code: "1"})

	frames, err := Serialize(msg, signer)
	require.NoError(t, err)

	other := NewSigner("cafebabe")
	_, err = Deserialize(frames, other)
	require.Error(t, err)

	var fe *FramingError
	require.True(t, errors.As(err, &fe))
}

func TestDeserializeSkipsIdentityPrefix(t *testing.T) {
	signer := NewSigner("deadbeef")
	msg := NewMessage("sess-1", MsgTypeStatus, StatusContent{ExecutionState: "idle"})

	frames, err := Serialize(msg, signer)
	require.NoError(t, err)

	// Routing identities precede the delimiter on a real socket.
	withIdentity := append([][]byte{[]byte("kernel.sess-1.status")}, frames...)
	got, err := Deserialize(withIdentity, signer)
	require.NoError(t, err)
	require.Equal(t, MsgTypeStatus, got.Type())
}

func TestDeserializeMissingDelimiter(t *testing.T) {
	_, err := Deserialize([][]byte{[]byte("a"), []byte("b")}, NewSigner(""))
	var fe *FramingError
	require.True(t, errors.As(err, &fe))
}

func TestEmptyKeyDisablesSigning(t *testing.T) {
	signer := NewSigner("")
	msg := NewMessage("sess-1", MsgTypeKernelInfoRequest, struct{}{})

	frames, err := Serialize(msg, signer)
	require.NoError(t, err)

	// Any signature passes when signing is disabled.
	_, err = Deserialize(frames, NewSigner(""))
	require.NoError(t, err)
}

func TestSignDeterministic(t *testing.T) {
	signer := NewSigner("00ff")
	a := signer.Sign([]byte("x"), []byte("y"))
	b := signer.Sign([]byte("x"), []byte("y"))
	require.Equal(t, a, b)
	require.True(t, signer.Verify(a, []byte("x"), []byte("y")))
	require.False(t, signer.Verify(a, []byte("x"), []byte("z")))
}
