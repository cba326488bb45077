// Package nats publishes audit entries on NATS subjects of the form <prefix>.<action>, through
// JetStream when a stream is configured.
package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/nats-io/nats.go"
)

var errNotConnected = errors.New("nats connection not initialized")

type Config struct {
	Servers       []string `json:"servers"`
	SubjectPrefix string   `json:"subject_prefix"`
	Stream        string   `json:"stream,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	TLS           struct {
		CertFile string `json:"cert_file,omitempty"`
		KeyFile  string `json:"key_file,omitempty"`
		CAFile   string `json:"ca_file,omitempty"`
	} `json:"tls,omitempty"`
}

type Sink struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
}

func (s *Sink) Connect(raw json.RawMessage) error {
	if err := json.Unmarshal(raw, &s.config); err != nil {
		return fmt.Errorf("unmarshal nats config: %w", err)
	}
	if len(s.config.Servers) == 0 {
		s.config.Servers = []string{nats.DefaultURL}
	}
	s.config.SubjectPrefix = cmp.Or(s.config.SubjectPrefix, "sqlapi.audit")

	nc, err := nats.Connect(strings.Join(s.config.Servers, ","), options(s.config)...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	s.nc = nc

	if s.config.Stream == "" {
		return nil
	}
	if s.js, err = nc.JetStream(); err != nil {
		nc.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

// Subject returns the subject an entry with action is published on. "SOFT DELETE" becomes
// soft_delete.
func (s *Sink) Subject(action string) string {
	return s.config.SubjectPrefix + "." + strings.ReplaceAll(strings.ToLower(action), " ", "_")
}

func (s *Sink) Publish(ctx context.Context, e audit.Entry) error {
	if s.nc == nil {
		return errNotConnected
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	msg := nats.NewMsg(s.Subject(e.Action))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.RequestID)

	if s.js != nil {
		if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish audit entry: %w", err)
		}
		return nil
	}
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

func (s *Sink) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:     s.config.Stream,
		Subjects: []string{s.config.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}
	_, err := s.js.StreamInfo(cfg.Name)
	if err == nil {
		_, err = s.js.UpdateStream(cfg)
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}
	_, err = s.js.AddStream(cfg)
	return err
}

func options(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("sqlapi-audit"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
	}
	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	if c.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(c.TLS.CAFile))
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
	}
	return opts
}

func init() {
	audit.RegisterSink(audit.SinkNATS, func() audit.Sink { return &Sink{} })
}
