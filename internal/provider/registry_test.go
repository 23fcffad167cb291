package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(NewEvolution(EvolutionOptions{}), NewZAPI(ZAPIOptions{}), NewNative(new(mockSessions), 0))

	a, err := r.Adapter(connection.ProviderEvolution)
	require.NoError(t, err)
	assert.Equal(t, connection.ProviderEvolution, a.Name())

	_, ok := r.Parser(connection.ProviderZAPI)
	assert.True(t, ok)
	_, ok = r.Parser(connection.ProviderNative)
	assert.False(t, ok, "native events do not arrive over HTTP")

	_, err = r.Adapter("twilio")
	assert.ErrorIs(t, err, connection.ErrInvalidConfig)

	assert.Equal(t, []connection.Provider{connection.ProviderEvolution, connection.ProviderNative, connection.ProviderZAPI}, r.Providers())
}

func TestPickStringPrefersEarlierKeys(t *testing.T) {
	node := map[string]any{
		"zaapId":    "Z1",
		"messageId": "M1",
		"nested":    map[string]any{"id": "N1"},
	}
	assert.Equal(t, "M1", pickString(node, "messageId", "zaapId", "id"))
	assert.Equal(t, "N1", pickString(node, "id"))
	assert.Equal(t, "", pickString(node, "missing"))
}

func TestNormalizeState(t *testing.T) {
	assert.Equal(t, connection.StatusConnected, normalizeState("open"))
	assert.Equal(t, connection.StatusConnected, normalizeState("CONNECTED"))
	assert.Equal(t, connection.StatusDisconnected, normalizeState("close"))
	assert.Equal(t, connection.StatusDisconnected, normalizeState("disconnected"))
	assert.Equal(t, connection.StatusConnecting, normalizeState("connecting"))
	assert.Equal(t, connection.StatusError, normalizeState("refused"))
}
