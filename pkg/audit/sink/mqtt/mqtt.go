// Package mqtt publishes audit entries to an MQTT broker under <topic_prefix>/<entity>/<action>.
package mqtt

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/util"
	"github.com/google/uuid"
)

var errNotConnected = errors.New("mqtt client not connected")

type Config struct {
	Servers     []string      `json:"servers"`
	ClientID    string        `json:"client_id"`
	Username    string        `json:"username"`
	Password    string        `json:"password"`
	TopicPrefix string        `json:"topic_prefix"`
	QoS         byte          `json:"qos"`
	Retained    bool          `json:"retained"`
	Timeout     time.Duration `json:"timeout"`
	TLS         *TLS          `json:"tls,omitempty"`
}

type TLS struct {
	CAFile             string `json:"ca_file,omitempty"`
	CertFile           string `json:"cert_file,omitempty"`
	KeyFile            string `json:"key_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
}

type Sink struct {
	client mqtt.Client
	config Config
}

func (s *Sink) Connect(raw json.RawMessage) error {
	if err := json.Unmarshal(raw, &s.config); err != nil {
		return fmt.Errorf("unmarshal mqtt config: %w", err)
	}
	opts, err := s.config.clientOptions()
	if err != nil {
		return err
	}
	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("broker connection error: %w", token.Error())
	}
	return nil
}

// Topic returns the topic of an entry: the prefix, the audited entity when known, and the
// action in lower case with spaces replaced by underscores.
func (s *Sink) Topic(e audit.Entry) string {
	parts := []string{strings.TrimSuffix(cmp.Or(s.config.TopicPrefix, "sqlapi/audit"), "/")}
	if change, ok := e.ChangeParameters.(map[string]any); ok {
		if entity, ok := change["entity"].(string); ok && entity != "" {
			parts = append(parts, entity)
		}
	}
	parts = append(parts, strings.ReplaceAll(strings.ToLower(e.Action), " ", "_"))
	return strings.Join(parts, "/")
}

func (s *Sink) Publish(ctx context.Context, e audit.Entry) error {
	if s.client == nil || !s.client.IsConnected() {
		return errNotConnected
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	token := s.client.Publish(s.Topic(e), s.config.QoS, s.config.Retained, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cmp.Or(s.config.Timeout, 10*time.Second)):
		return fmt.Errorf("publish to %s timed out", s.Topic(e))
	}
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}

func (c *Config) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	if len(c.Servers) == 0 {
		c.Servers = []string{util.GetEnvOrDefault("SQLAPI_MQTT_BROKER", "tcp://127.0.0.1:1883")}
	}
	for _, server := range c.Servers {
		opts.AddBroker(server)
	}
	opts.SetClientID(cmp.Or(c.ClientID, "sqlapi-audit-"+uuid.NewString()[:8]))
	opts.SetUsername(cmp.Or(c.Username, os.Getenv("SQLAPI_MQTT_USERNAME")))
	opts.SetPassword(cmp.Or(c.Password, os.Getenv("SQLAPI_MQTT_PASSWORD")))
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cmp.Or(c.Timeout, 10*time.Second))

	if c.TLS != nil {
		conf := &tls.Config{InsecureSkipVerify: c.TLS.InsecureSkipVerify}
		if c.TLS.CAFile != "" {
			ca, err := os.ReadFile(c.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read mqtt CA: %w", err)
			}
			conf.RootCAs = x509.NewCertPool()
			conf.RootCAs.AppendCertsFromPEM(ca)
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("load mqtt client certificate: %w", err)
			}
			conf.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(conf)
	}
	return opts, nil
}

func init() {
	audit.RegisterSink(audit.SinkMQTT, func() audit.Sink { return &Sink{} })
}
