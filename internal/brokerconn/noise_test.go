package brokerconn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeAndSealRoundTrip(t *testing.T) {
	broker, err := NewBrokerSide()
	require.NoError(t, err)
	proxy, err := NewProxySide()
	require.NoError(t, err)

	// NN pattern: one message each way completes the handshake.
	msg1, err := broker.WriteMessage(nil)
	require.NoError(t, err)
	_, err = proxy.ReadMessage(msg1)
	require.NoError(t, err)

	msg2, err := proxy.WriteMessage(nil)
	require.NoError(t, err)
	_, err = broker.ReadMessage(msg2)
	require.NoError(t, err)

	require.True(t, broker.IsComplete())
	require.True(t, proxy.IsComplete())

	sealed, err := broker.Seal(nil, []byte("hello proxy"))
	require.NoError(t, err)

	plain, remaining, err := proxy.Unseal(nil, sealed)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Equal(t, "hello proxy", string(plain))
}

func TestUnsealBeforeHandshakeCompletes(t *testing.T) {
	proxy, err := NewProxySide()
	require.NoError(t, err)
	_, _, err = proxy.Unseal(nil, []byte{0, 0, 0, 1, 2})
	require.ErrorIs(t, err, ErrHandshakeIncomplete)
}
