// Package kafka publishes audit entries to a Kafka topic, keyed by request id.
package kafka

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/sqlapi/pkg/audit"
)

var errNotConnected = errors.New("kafka producer not initialized")

// Config is decoded from the audit_logger handler_args.
type Config struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	Version string   `json:"version,omitempty"`
	SASL    *SASL    `json:"sasl,omitempty"`
	TLS     *TLS     `json:"tls,omitempty"`
}

type SASL struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Algorithm string `json:"algorithm"`
}

type TLS struct {
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	CAFile     string `json:"ca_file,omitempty"`
	SkipVerify bool   `json:"skip_verify,omitempty"`
}

// Sink sends one message per entry through a synchronous producer.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
}

// New returns a sink publishing through producer. Connect is not needed afterwards.
func New(producer sarama.SyncProducer, topic string) *Sink {
	return &Sink{producer: producer, topic: cmp.Or(topic, DefaultTopic)}
}

const DefaultTopic = "sqlapi.audit"

func (s *Sink) Connect(raw json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("unmarshal kafka config: %w", err)
	}
	conf, err := cfg.saramaConfig()
	if err != nil {
		return err
	}
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, conf)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	s.producer = producer
	s.topic = cmp.Or(cfg.Topic, DefaultTopic)
	return nil
}

func (s *Sink) Publish(_ context.Context, e audit.Entry) error {
	if s.producer == nil {
		return errNotConnected
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.RequestID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("action"), Value: []byte(e.Action)},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (c *Config) saramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()
	version, err := sarama.ParseKafkaVersion(cmp.Or(c.Version, "2.1.1"))
	if err != nil {
		return nil, fmt.Errorf("invalid kafka version: %w", err)
	}
	conf.Version = version
	conf.ClientID = "sqlapi-audit"
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = 5
	conf.Producer.Retry.Backoff = time.Second
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true

	if c.SASL != nil {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		switch c.SASL.Algorithm {
		case "sha256":
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			conf.Net.SASL.SCRAMClientGeneratorFunc = sha256Client
		case "sha512":
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			conf.Net.SASL.SCRAMClientGeneratorFunc = sha512Client
		case "", "plain":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS != nil {
		tlsConf, err := c.TLS.config()
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConf
	}
	return conf, nil
}

func (t *TLS) config() (*tls.Config, error) {
	conf := &tls.Config{InsecureSkipVerify: t.SkipVerify}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load kafka client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	if t.CAFile != "" {
		ca, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read kafka CA: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(ca)
		conf.RootCAs = pool
	}
	return conf, nil
}

func init() {
	audit.RegisterSink(audit.SinkKafka, func() audit.Sink { return &Sink{} })
}
