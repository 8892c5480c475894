package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/errkind"
)

func TestFactoryBuildsByType(t *testing.T) {
	f := NewFactory(config.AgentConfig{TimeoutMs: 1000, MaxReconnect: 3, MaxRetries: 3}, nil, newTestLogger())

	stream, err := f.Build(config.ProviderConfig{Type: "opencode", Name: "p1", Endpoint: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", stream.Metadata().Name)
	assert.Equal(t, "event-stream", stream.Metadata().Type)

	chat, err := f.Build(config.ProviderConfig{Type: "chat", Name: "p2", Endpoint: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "chat", chat.Metadata().Type)

	_, err = f.Build(config.ProviderConfig{Type: "bogus", Name: "p3"})
	require.Error(t, err)
	assert.Equal(t, errkind.KindConfigInvalid, errkind.KindOf(err))
}
