// Package app assembles the server from a configuration: it opens every database, introspects
// its schema, binds the configuration to it, loads the table extensions, synthesizes the
// endpoints and mounts them with the OpenAPI document on one router.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/edgeflare/sqlapi/pkg/audit"
	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/edgeflare/sqlapi/pkg/endpoint"
	"github.com/edgeflare/sqlapi/pkg/extension"
	"github.com/edgeflare/sqlapi/pkg/httputil"
	mw "github.com/edgeflare/sqlapi/pkg/httputil/middleware"
	"github.com/edgeflare/sqlapi/pkg/openapi"
	pg "github.com/edgeflare/sqlapi/pkg/pgx"
	"github.com/edgeflare/sqlapi/pkg/pgx/schema"
	"github.com/edgeflare/sqlapi/pkg/repository"
	"github.com/edgeflare/sqlapi/pkg/rest"
	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
)

// AppContext holds everything built at startup. It is read-only while serving.
type AppContext struct {
	Config    *config.Config
	Loggers   Loggers
	Resolved  *config.Resolved
	Registry  *extension.Registry
	Repos     map[string]*repository.Repository
	Caches    map[string]*schema.Cache
	Auditors  map[string]*audit.Logger
	Endpoints []*endpoint.Endpoint
	Doc       *openapi3.T
	Router    *httputil.Router

	// Pending tracks after_response work and audit flushes still running.
	Pending sync.WaitGroup

	pools      *pg.PoolManager
	dbs        []*sql.DB
	logLevel   string
	loggers    *Loggers
	verifier   *mw.OIDCVerifier
	routerOpts []httputil.RouterOptions
	closeOnce  sync.Once
}

type Option func(*AppContext)

// WithLogLevel overrides the level of every configured logger.
func WithLogLevel(level string) Option {
	return func(a *AppContext) { a.logLevel = level }
}

// WithLoggers uses ls instead of building loggers from the configuration.
func WithLoggers(ls Loggers) Option {
	return func(a *AppContext) { a.loggers = &ls }
}

// WithOIDCVerifier verifies bearer tokens with v instead of discovering app.auth.oidc.issuer.
func WithOIDCVerifier(v *mw.OIDCVerifier) Option {
	return func(a *AppContext) { a.verifier = v }
}

func WithRouterOptions(opts ...httputil.RouterOptions) Option {
	return func(a *AppContext) { a.routerOpts = append(a.routerOpts, opts...) }
}

// New builds the application. Any configuration or schema mismatch is returned before a route
// is mounted; everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*AppContext, error) {
	a := &AppContext{
		Config:   cfg,
		Repos:    map[string]*repository.Repository{},
		Caches:   map[string]*schema.Cache{},
		Auditors: map[string]*audit.Logger{},
		pools:    pg.NewPoolManager(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.loggers != nil {
		a.Loggers = *a.loggers
	} else {
		ls, err := NewLoggers(cfg.Logger, a.logLevel)
		if err != nil {
			return nil, &config.ConfigError{Msg: err.Error()}
		}
		a.Loggers = ls
	}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *AppContext) build(ctx context.Context) error {
	if len(a.Config.Sources) == 0 {
		return &config.ConfigError{Msg: "no database configured"}
	}
	inspectors := map[string]config.Inspector{}
	for _, src := range a.Config.Sources {
		if err := a.openSource(ctx, src); err != nil {
			return err
		}
		inspectors[src.Name] = a.Caches[src.Name]
	}

	var err error
	if a.Resolved, err = config.Resolve(a.Config, inspectors); err != nil {
		return err
	}
	a.Registry = extension.NewRegistry(a.Loggers.App)
	if err := a.Registry.Load(a.Resolved, a.Repos, inspectors); err != nil {
		return err
	}
	if a.Endpoints, err = endpoint.Synthesize(a.Resolved, a.Registry, a.Repos, a.Loggers.App); err != nil {
		return err
	}

	for _, src := range a.Config.Sources {
		sink, err := audit.Open(src.AuditLogger)
		if err != nil {
			return err
		}
		name := src.AuditLogger.Key()
		if name == "" {
			name = audit.SinkNull
		}
		a.Auditors[src.Name] = audit.NewLogger(a.Loggers.Audit.With(zap.String("source", src.Name)), sink, name)
	}

	if a.Doc, err = openapi.New(a.Config.App); err != nil {
		return err
	}
	for _, e := range a.Endpoints {
		openapi.Add(a.Doc, e.Operation)
	}
	// problems are logged by Validate
	_ = openapi.Validate(ctx, a.Doc, a.Loggers.App)

	return a.mount(ctx)
}

// openSource connects one database and loads its schema. Postgres sources share a pgx pool
// between the introspection queries and the database/sql handle of the repository.
func (a *AppContext) openSource(ctx context.Context, src config.SourceConfig) error {
	var (
		db     *sql.DB
		loader schema.Loader
		err    error
	)
	switch src.Driver {
	case "postgres":
		if src.URL == "" {
			return &config.ConfigError{Msg: fmt.Sprintf("database %q has no url", src.Name)}
		}
		if err := a.pools.Add(ctx, pg.Pool{Name: src.Name, ConnString: src.URL}); err != nil {
			return fmt.Errorf("database %s: %w", src.Name, err)
		}
		pool, _ := a.pools.Get(src.Name)
		db, _ = a.pools.DB(src.Name)
		loader = &schema.PostgresLoader{Conn: pool, Schema: src.Schema}
	case "sqlite", "mysql":
		if db, err = repository.Open(ctx, src.Driver, src.URL); err != nil {
			return fmt.Errorf("database %s: %w", src.Name, err)
		}
		a.dbs = append(a.dbs, db)
		if src.Driver == "sqlite" {
			loader = &schema.SQLiteLoader{DB: db}
		} else {
			loader = &schema.MySQLLoader{DB: db}
		}
	default:
		return &config.ConfigError{Msg: fmt.Sprintf("database %q: unsupported driver %q", src.Name, src.Driver)}
	}

	cache := schema.NewCache(loader)
	if err := cache.Init(ctx); err != nil {
		return fmt.Errorf("database %s: %w", src.Name, err)
	}
	repo, err := repository.New(src.Name, db, src.Driver,
		repository.WithLogger(a.Loggers.SQL.With(zap.String("source", src.Name))),
		repository.WithStatementTimeout(src.StatementTimeout),
		repository.WithTransactionalBatches(src.TransactionalBatches),
	)
	if err != nil {
		return err
	}
	a.Caches[src.Name] = cache
	a.Repos[src.Name] = repo
	a.Loggers.App.Info("database ready",
		zap.String("source", src.Name),
		zap.String("driver", src.Driver),
		zap.Int("tables", len(cache.TableNames())),
	)
	return nil
}

// mount registers the service routes and the synthesized endpoints. Middleware runs in the
// order request id, authentication, access log, CORS.
func (a *AppContext) mount(ctx context.Context) error {
	app := a.Config.App
	r := httputil.NewRouter(append([]httputil.RouterOptions{httputil.WithLogger(a.Loggers.App)}, a.routerOpts...)...)

	r.Use(mw.RequestID)
	if len(app.Auth.Basic) > 0 {
		r.Use(mw.VerifyBasicAuth(mw.BasicAuthCreds(app.Auth.Basic), false))
	}
	if a.verifier == nil && app.Auth.OIDC.Issuer != "" {
		v, err := mw.NewOIDCVerifier(ctx, mw.OIDCProviderConfig{
			ClientID:     app.Auth.OIDC.ClientID,
			ClientSecret: app.Auth.OIDC.ClientSecret,
			Issuer:       app.Auth.OIDC.Issuer,
		})
		if err != nil {
			return err
		}
		a.verifier = v
	}
	if a.verifier != nil {
		r.Use(mw.VerifyOIDCToken(a.verifier, false))
	}
	r.Use(mw.LoggerWithOptions(&mw.LoggerOptions{Logger: a.Loggers.App}), mw.CORSWithOptions(nil))

	r.Handle("GET /health", http.HandlerFunc(a.health))
	r.Handle("GET /robots.txt", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.Text(w, http.StatusOK, "User-agent: *\nDisallow: /\n")
	}))
	r.Handle("GET "+app.SwaggerURL, openapi.Handler(a.Doc))
	r.Handle("GET "+app.SwaggerUIURL, openapi.UIHandler(app.Name, app.SwaggerURL))
	if app.Debug {
		for name, cache := range a.Caches {
			r.Handle("GET /_schema/"+name, cache)
		}
	}

	auth := &rest.Auth{
		Func:            mw.SchemeAuth,
		SecuritySchemes: app.SecuritySchemes,
		Security:        app.Security,
		Strict:          app.Auth.Strict,
	}
	for _, e := range a.Endpoints {
		h := e.Handler(a.Auditors[e.Source], auth, a.Loggers.Error)
		h.Pending = &a.Pending
		r.Handle(e.Route(), h)
	}
	a.Router = r
	return nil
}

// health pings every database.
func (a *AppContext) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	for name, repo := range a.Repos {
		if err := repo.DB().PingContext(r.Context()); err != nil {
			a.Loggers.Error.Warn("health check failed", zap.String("source", name), zap.Error(err))
			status[name] = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	httputil.JSON(w, code, map[string]any{"status": http.StatusText(code), "databases": status})
}

// Addr is the listen address of app.host and app.port.
func (a *AppContext) Addr() string {
	return net.JoinHostPort(a.Config.App.Host, strconv.Itoa(a.Config.App.Port))
}

// Serve listens on addr until Shutdown.
func (a *AppContext) Serve(addr string) error {
	return a.Router.ListenAndServe(addr)
}

// Shutdown stops accepting requests, waits for pending audit work and closes every resource.
func (a *AppContext) Shutdown(ctx context.Context) error {
	var err error
	if a.Router != nil {
		err = a.Router.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		a.Pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Loggers.App.Warn("pending audit work abandoned", zap.Error(ctx.Err()))
	}
	return errors.Join(err, a.Close())
}

// Close releases the audit sinks and the database handles.
func (a *AppContext) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for name, l := range a.Auditors {
			if err := l.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit sink %s: %w", name, err))
			}
		}
		for _, db := range a.dbs {
			if err := db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.pools.Close()
		a.Loggers.Sync()
	})
	return errors.Join(errs...)
}
