package main

import (
	"context"
	"testing"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"poll"},
		{"consume"},
		{"migrate"},
		{"campaign", "import"},
		{"experiment", "evaluate"},
		{"experiment", "report"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	consume := serveCmd.Flags().Lookup("consume")
	require.NotNil(t, consume)
	assert.Equal(t, "false", consume.DefValue)
}

func TestParseIDArg(t *testing.T) {
	id, err := parseIDArg("42")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	for _, bad := range []string{"", "0", "-1", "abc"} {
		_, err := parseIDArg(bad)
		assert.Error(t, err, bad)
	}
}

func TestInitializeCache_Disabled(t *testing.T) {
	rc, err := initializeCache(config.CacheConfig{Enabled: false}, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, rc)
}

func TestInitializeDeliveryProvider_Mock(t *testing.T) {
	p, err := initializeDeliveryProvider(context.Background(), config.DeliveryConfig{Provider: "mock"}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &services.ChannelRouter{}, p)
}

func TestInitializePublisher_InlineIsNil(t *testing.T) {
	app := &application{logger: logging.Discard()}
	p, err := app.initializePublisher(config.WebhookConfig{Queue: "inline"})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, app.closers)
}
