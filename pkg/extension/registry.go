package extension

import (
	"fmt"
	"strings"
	"sync"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"github.com/edgeflare/sqlapi/pkg/validate"
	"go.uber.org/zap"
)

// Set is the extensions bound to one table. A nil extension is disabled.
type Set struct {
	SoftDelete SoftDeleter
	OnCreate   Timestamper
	OnUpdate   Timestamper
	Hooks      rest.Hooks
	// Validators are keyed by column name.
	Validators map[string][]Validator
}

// Checks returns the validators in the form the validate package attaches to fields.
func (s *Set) Checks() map[string][]validate.Check {
	out := make(map[string][]validate.Check, len(s.Validators))
	for col, vs := range s.Validators {
		for _, v := range vs {
			out[col] = append(out[col], v)
		}
	}
	return out
}

type key struct {
	source, table, name string
}

// Registry holds the extension instances of every configured table. It is filled at startup
// and only read afterwards.
type Registry struct {
	mu         sync.RWMutex
	lifecycles map[key]Lifecycle
	requests   map[key]any
	validators map[key][]Validator
	sets       map[key]*Set
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		lifecycles: map[key]Lifecycle{},
		requests:   map[key]any{},
		validators: map[key][]Validator{},
		sets:       map[key]*Set{},
		logger:     logger,
	}
}

// SetLifecycleTableExtension instantiates and validates the lifecycle extension name of a
// table. The implementation named by cfg is used when given, the built-in one otherwise.
// Registering the same (source, table, name) again returns the first instance.
func (r *Registry) SetLifecycleTableExtension(source string, table schema.Table, name string, cfg config.ExtensionConfig, repo *repository.Repository, inspector config.Inspector) (Lifecycle, error) {
	k := key{source, table.Name, name}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ext, ok := r.lifecycles[k]; ok {
		return ext, nil
	}

	fallback := ""
	if !cfg.Configured() {
		fallback = name
	}
	factory, _, ok := lookup(lifecycles, cfg, fallback)
	if !ok {
		return nil, unknown(name, cfg)
	}
	ext, err := factory(LifecycleParams{
		Name:       name,
		Source:     source,
		Table:      table,
		Config:     cfg,
		Repository: repo,
		Inspector:  inspector,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("%s on %s: %v", name, table.Name, err)}
	}

	switch name {
	case SoftDeleteName:
		if _, ok := ext.(SoftDeleter); !ok {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("%s: %T does not implement soft delete", cfg.Key(), ext)}
		}
	case OnCreateTimestampName, OnUpdateTimestampName:
		if _, ok := ext.(Timestamper); !ok {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("%s: %T does not implement timestamps", cfg.Key(), ext)}
		}
	}
	if err := ext.Validate(); err != nil {
		return nil, err
	}

	r.lifecycles[k] = ext
	return ext, nil
}

// SetRequestTableExtension instantiates the request hook of the given kind for a table. It
// returns nil when cfg names no handler.
func (r *Registry) SetRequestTableExtension(source, table, kind string, cfg config.ExtensionConfig) (any, error) {
	if !cfg.Configured() {
		return nil, nil
	}
	k := key{source, table, kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if hook, ok := r.requests[k]; ok {
		return hook, nil
	}

	factoriesMu.RLock()
	byName := requests[kind]
	factoriesMu.RUnlock()
	factory, _, ok := lookup(byName, cfg, "")
	if !ok {
		return nil, unknown(kind, cfg)
	}
	hook, err := factory(RequestParams{
		Kind:   kind,
		Source: source,
		Table:  table,
		Config: cfg,
		Logger: r.logger.With(zap.String("hook", cfg.Key()), zap.String("table", table)),
	})
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("%s on %s: %v", kind, table, err)}
	}

	var implements bool
	switch kind {
	case BeforeRequest:
		_, implements = hook.(rest.BeforeRequestHook)
	case BeforeResponse:
		_, implements = hook.(rest.BeforeResponseHook)
	case AfterResponse:
		_, implements = hook.(rest.AfterResponseHook)
	}
	if !implements {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("%s: %T is not a %s hook", cfg.Key(), hook, kind)}
	}

	r.requests[k] = hook
	return hook, nil
}

// SetColumnValidators instantiates the validators of every configured column. Column names
// are matched case-insensitively.
func (r *Registry) SetColumnValidators(source string, table schema.Table, configs map[string][]config.ExtensionConfig) (map[string][]Validator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]Validator, len(configs))
	for name, cfgs := range configs {
		col, ok := columnFold(table, name)
		if !ok {
			return nil, &config.ColumnNotExistError{Extension: "validators", Table: table.Name, Column: name}
		}
		k := key{source, table.Name, "validators." + col.Name}
		if vs, ok := r.validators[k]; ok {
			out[col.Name] = vs
			continue
		}

		vs := make([]Validator, 0, len(cfgs))
		for _, cfg := range cfgs {
			factory, _, ok := lookup(validators, cfg, "")
			if !ok {
				return nil, unknown("validator", cfg)
			}
			v, err := factory(col, cfg.HandlerArgs)
			if err != nil {
				return nil, &config.ConfigError{Msg: fmt.Sprintf("validator %s on %s.%s: %v", cfg.Key(), table.Name, col.Name, err)}
			}
			vs = append(vs, v)
		}
		r.validators[k] = vs
		out[col.Name] = vs
	}
	return out, nil
}

func columnFold(table schema.Table, name string) (schema.Column, bool) {
	for _, c := range table.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return schema.Column{}, false
}

// Load binds the extensions of every resolved table. repos and inspectors are keyed by source
// name.
func (r *Registry) Load(resolved *config.Resolved, repos map[string]*repository.Repository, inspectors map[string]config.Inspector) error {
	for _, t := range resolved.Tables {
		set, err := r.load(t, repos[t.Source], inspectors[t.Source])
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.sets[key{t.Source, t.Name(), ""}] = set
		r.mu.Unlock()
	}
	return nil
}

func (r *Registry) load(t *config.Table, repo *repository.Repository, inspector config.Inspector) (*Set, error) {
	set := &Set{}
	ext := t.Config.Extensions

	lifecycle := map[string]config.ExtensionConfig{
		SoftDeleteName:        ext.SoftDelete,
		OnCreateTimestampName: ext.OnCreateTimestamp,
		OnUpdateTimestampName: ext.OnUpdateTimestamp,
	}
	for _, name := range LifecycleNames {
		cfg := lifecycle[name]
		if !cfg.Enable {
			continue
		}
		l, err := r.SetLifecycleTableExtension(t.Source, t.Schema, name, cfg, repo, inspector)
		if err != nil {
			return nil, err
		}
		switch name {
		case SoftDeleteName:
			set.SoftDelete = l.(SoftDeleter)
		case OnCreateTimestampName:
			set.OnCreate = l.(Timestamper)
		case OnUpdateTimestampName:
			set.OnUpdate = l.(Timestamper)
		}
	}

	hooks := map[string]config.ExtensionConfig{
		BeforeRequest:  ext.BeforeRequest,
		BeforeResponse: ext.BeforeResponse,
		AfterResponse:  ext.AfterResponse,
	}
	for _, kind := range RequestKinds {
		h, err := r.SetRequestTableExtension(t.Source, t.Name(), kind, hooks[kind])
		if err != nil {
			return nil, err
		}
		if h == nil {
			continue
		}
		switch kind {
		case BeforeRequest:
			set.Hooks.BeforeRequest = h.(rest.BeforeRequestHook)
		case BeforeResponse:
			set.Hooks.BeforeResponse = h.(rest.BeforeResponseHook)
		case AfterResponse:
			set.Hooks.AfterResponse = h.(rest.AfterResponseHook)
		}
	}

	validators, err := r.SetColumnValidators(t.Source, t.Schema, ext.Validators)
	if err != nil {
		return nil, err
	}
	set.Validators = validators
	return set, nil
}

// Table returns the extensions of a loaded table, or an empty Set.
func (r *Registry) Table(source, table string) *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sets[key{source, table, ""}]; ok {
		return s
	}
	return &Set{}
}
