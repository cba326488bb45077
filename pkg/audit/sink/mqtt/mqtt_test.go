package mqtt

import (
	"context"
	"strings"
	"testing"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	s := &Sink{}
	tests := []struct {
		name  string
		entry audit.Entry
		want  string
	}{
		{"with entity", audit.Entry{Action: audit.ActionSoftDelete, ChangeParameters: map[string]any{"entity": "author"}}, "sqlapi/audit/author/soft_delete"},
		{"without entity", audit.Entry{Action: audit.ActionRead}, "sqlapi/audit/read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Topic(tt.entry))
		})
	}

	s.config.TopicPrefix = "plant/"
	assert.Equal(t, "plant/update", s.Topic(audit.Entry{Action: audit.ActionUpdate}))
}

func TestClientOptions(t *testing.T) {
	t.Setenv("SQLAPI_MQTT_BROKER", "tcp://broker:1883")
	c := Config{Username: "u"}
	opts, err := c.clientOptions()
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.True(t, strings.HasPrefix(opts.ClientID, "sqlapi-audit-"))
	assert.Equal(t, "u", opts.Username)

	c = Config{Servers: []string{"tcp://a:1883"}, TLS: &TLS{CAFile: "/nonexistent/ca.pem"}}
	_, err = c.clientOptions()
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	s := &Sink{}
	assert.ErrorIs(t, s.Publish(context.Background(), audit.Entry{}), errNotConnected)
	assert.NoError(t, s.Close())
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, audit.Sinks(), audit.SinkMQTT)
}
