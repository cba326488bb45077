// Package audit carries the audit entries produced by mutating and reading requests to the
// audit logger and to the configured sink.
//
// Sinks register themselves by name from init, the same way database/sql drivers do:
//
//	import _ "github.com/edgeflare/sqlapi/pkg/audit/sink/kafka"
//
// and are selected per source with
//
//	defaults:
//	  tables:
//	    extensions:
//	      audit_logger:
//	        package: audit
//	        handler: kafka
//	        handler_args:
//	          brokers: ["localhost:9092"]
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/metrics"
	"go.uber.org/zap"
)

// Actions recorded by the generated endpoints.
const (
	ActionRead       = "READ"
	ActionCreate     = "CREATE"
	ActionUpdate     = "UPDATE"
	ActionDelete     = "DELETE"
	ActionSoftDelete = "SOFT DELETE"
)

// Entry is one audited operation. RequestID, PrevRequestID, User and Date are filled in by the
// request pipeline once the response is written.
type Entry struct {
	Message          string    `json:"message"`
	Action           string    `json:"action"`
	User             string    `json:"user"`
	RequestID        string    `json:"request_id"`
	PrevRequestID    string    `json:"prev_request_id"`
	Date             time.Time `json:"date"`
	ChangeParameters any       `json:"change_parameters"`
	CurrentStatus    any       `json:"current_status"`
	PrevStatus       any       `json:"prev_status"`
}

func (e Entry) fields() []zap.Field {
	return []zap.Field{
		zap.String("action", e.Action),
		zap.String("user", e.User),
		zap.String("request_id", e.RequestID),
		zap.String("prev_request_id", e.PrevRequestID),
		zap.Time("date", e.Date),
		zap.Any("change_parameters", e.ChangeParameters),
		zap.Any("current_status", e.CurrentStatus),
		zap.Any("prev_status", e.PrevStatus),
	}
}

// A Sink receives completed audit entries.
type Sink interface {
	// Connect configures the sink from its handler_args, encoded as JSON.
	Connect(config json.RawMessage) error
	Publish(ctx context.Context, e Entry) error
	Close() error
}

var (
	ErrUnknownSink = errors.New("unknown audit sink")

	sinksMu sync.RWMutex
	sinks   = map[string]func() Sink{}
)

// Built-in sink names.
const (
	SinkNull       = "null"
	SinkClickHouse = "clickhouse"
	SinkHTTP       = "http"
	SinkKafka      = "kafka"
	SinkMQTT       = "mqtt"
	SinkNATS       = "nats"
	SinkPostgres   = "postgres"
)

// RegisterSink makes a sink constructor available under name. It panics on duplicates.
func RegisterSink(name string, newSink func() Sink) {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	if _, dup := sinks[name]; dup {
		panic("audit: RegisterSink called twice for " + name)
	}
	sinks[name] = newSink
}

// Sinks returns the registered sink names.
func Sinks() []string {
	sinksMu.RLock()
	defer sinksMu.RUnlock()
	names := make([]string, 0, len(sinks))
	for n := range sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds and connects the sink named by cfg. The lookup tries "package.handler" first and
// then the handler alone, so "audit.kafka" and "kafka" name the same sink. An empty handler is
// the null sink.
func Open(cfg config.ExtensionConfig) (Sink, error) {
	if !cfg.Configured() {
		return Null{}, nil
	}

	sinksMu.RLock()
	newSink, ok := sinks[cfg.Key()]
	if !ok {
		newSink, ok = sinks[cfg.Handler]
	}
	sinksMu.RUnlock()
	if !ok {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("%v: %s", ErrUnknownSink, cfg.Key())}
	}

	args, err := json.Marshal(cfg.HandlerArgs)
	if err != nil {
		return nil, fmt.Errorf("encode %s handler_args: %w", cfg.Key(), err)
	}
	s := newSink()
	if err := s.Connect(args); err != nil {
		return nil, fmt.Errorf("connect audit sink %s: %w", cfg.Key(), err)
	}
	return s, nil
}

// Null drops every entry.
type Null struct{}

func (Null) Connect(json.RawMessage) error        { return nil }
func (Null) Publish(context.Context, Entry) error { return nil }
func (Null) Close() error                         { return nil }

func init() {
	RegisterSink(SinkNull, func() Sink { return Null{} })
}

// Logger writes every entry to the audit logger and then hands it to the source's sink.
// Sink failures are logged and dropped.
type Logger struct {
	logger   *zap.Logger
	sink     Sink
	sinkName string
}

func NewLogger(logger *zap.Logger, sink Sink, sinkName string) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = Null{}
	}
	return &Logger{logger: logger, sink: sink, sinkName: sinkName}
}

func (l *Logger) Publish(ctx context.Context, e Entry) {
	l.logger.Info(e.Message, e.fields()...)

	if err := l.sink.Publish(ctx, e); err != nil {
		metrics.AuditPublishErrors.WithLabelValues(l.sinkName).Inc()
		l.logger.Error("audit sink publish failed",
			zap.String("sink", l.sinkName),
			zap.String("request_id", e.RequestID),
			zap.Error(err),
		)
		return
	}
	metrics.AuditEntries.WithLabelValues(l.sinkName).Inc()
}

func (l *Logger) Close() error {
	return l.sink.Close()
}
