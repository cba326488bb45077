package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/sqlapi/pkg/util"
	"go.uber.org/zap"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	prefix     string
	middleware []Middleware
	routes     *[]string
	tlsErr     error
	mu         sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{ReadHeaderTimeout: 10 * time.Second},
		logger: zap.NewNop(),
		routes: &[]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTLS serves HTTPS with the key pair at certFile and keyFile. Empty paths use a
// self-signed certificate under ./tls, generated on first use.
func WithTLS(certFile, keyFile string) RouterOptions {
	return func(r *Router) {
		if certFile == "" || keyFile == "" {
			certFile, keyFile = "./tls/tls.crt", "./tls/tls.key"
		}
		cert, err := util.LoadOrGenerateCert(certFile, keyFile)
		if err != nil {
			r.tlsErr = fmt.Errorf("tls: %w", err)
			return
		}
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use adds one or more middleware to the router. Middleware wraps the routes registered after
// the call, outermost first.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// added to its parent so far.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		prefix:     r.prefix + prefix,
		routes:     r.routes,
	}
}

// Handle registers handler for a "METHOD /pattern" as understood by http.ServeMux. On a group
// with a /prefix the pattern resolves to "METHOD /prefix/pattern". It panics on a pattern
// without a method, like ServeMux does on conflicting patterns.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok || method == "" {
		panic("httputil: invalid method pattern: " + methodPattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	final := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		final = r.middleware[i](final)
	}
	full := method + " " + r.prefix + pattern
	r.mux.Handle(full, final)
	*r.routes = append(*r.routes, full)
}

// Routes returns the registered patterns in registration order.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(*r.routes)
}

// Handler returns the underlying mux. Middleware is already applied per route.
func (r *Router) Handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mux
}

// ListenAndServe starts the server on addr, serving HTTPS when TLS is configured.
func (r *Router) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (r *Router) Serve(ln net.Listener) error {
	if r.tlsErr != nil {
		ln.Close()
		return r.tlsErr
	}
	fmt.Print(colorGreen + asciiArt + colorReset)
	r.logger.Info("starting server", zap.String("addr", ln.Addr().String()), zap.Bool("tls", r.server.TLSConfig != nil))

	r.server.Handler = r.Handler()
	if r.server.TLSConfig != nil {
		ln = tls.NewListener(ln, r.server.TLSConfig)
	}
	err := r.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}

const (
	colorGreen = "\033[32m"
	colorReset = "\033[0m"
	asciiArt   = `
           _             _
 ___  __ _| | __ _ _ __ (_)
/ __|/ _' | |/ _' | '_ \| |
\__ \ (_| | | (_| | |_) | |
|___/\__, |_|\__,_| .__/|_|
        |_|       |_|

`
)
