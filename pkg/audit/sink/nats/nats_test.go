package nats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	s := &Sink{config: Config{SubjectPrefix: "app.audit"}}
	assert.Equal(t, "app.audit.create", s.Subject(audit.ActionCreate))
	assert.Equal(t, "app.audit.soft_delete", s.Subject(audit.ActionSoftDelete))
}

func TestOptions(t *testing.T) {
	var c Config
	require.NoError(t, json.Unmarshal([]byte(`{"username":"u","password":"p","tls":{"ca_file":"ca.pem"}}`), &c))
	assert.Len(t, options(c), 7)
	assert.Len(t, options(Config{}), 5)
}

func TestNotConnected(t *testing.T) {
	s := &Sink{}
	assert.ErrorIs(t, s.Publish(context.Background(), audit.Entry{Action: audit.ActionRead}), errNotConnected)
	assert.NoError(t, s.Close())
}

func TestConnectBadConfig(t *testing.T) {
	s := &Sink{}
	assert.Error(t, s.Connect(json.RawMessage(`{"servers": "not-a-list"}`)))
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, audit.Sinks(), audit.SinkNATS)
}
