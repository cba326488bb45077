package config

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/sqlapi/pkg/util"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Version is set at build time.
var Version = "dev"

// HTTP verbs and endpoint actions as used in fields_excluded and api_endpoints.
const (
	GET    = "GET"
	PUT    = "PUT"
	POST   = "POST"
	DELETE = "DELETE"

	Single = "SINGLE"
	List   = "LIST"
)

var (
	Verbs   = []string{GET, PUT, POST, DELETE}
	Actions = []string{Single, List}
)

// Config holds application-wide configuration
type Config struct {
	App         AppConfig
	Environment map[string]string
	Logger      map[string]LoggerConfig
	Sources     []SourceConfig
}

type AppConfig struct {
	Name         string `mapstructure:"name"`
	Version      string `mapstructure:"version"`
	SwaggerURL   string `mapstructure:"swagger_url"`
	SwaggerUIURL string `mapstructure:"swagger_ui_url"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Debug        bool   `mapstructure:"debug"`
	// SecuritySchemes are OpenAPI security scheme objects keyed by name.
	SecuritySchemes map[string]any `mapstructure:"-"`
	// Security lists OpenAPI security requirements applied to every operation.
	Security []map[string][]string `mapstructure:"-"`
	Auth     AuthConfig            `mapstructure:"auth"`
}

type AuthConfig struct {
	// Strict rejects requests the auth hook does not accept with 401.
	Strict bool              `mapstructure:"strict"`
	Basic  map[string]string `mapstructure:"basic"` // username -> password
	OIDC   OIDCConfig        `mapstructure:"oidc"`
}

type OIDCConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Issuer       string `mapstructure:"issuer"`
}

// LoggerConfig configures one named logger. Output is stdout, stderr or a file path; Level is a
// zap level name or one of the numeric levels 10, 20, 30, 40, 50.
type LoggerConfig struct {
	Output string `mapstructure:"output"`
	Level  string `mapstructure:"level"`
}

// SourceConfig is one relational data source and the API exposed over it.
type SourceConfig struct {
	Name                 string        `mapstructure:"name"`
	Driver               string        `mapstructure:"driver"`
	URL                  string        `mapstructure:"url"`
	Schema               string        `mapstructure:"schema"`
	StatementTimeout     time.Duration `mapstructure:"statement_timeout"`
	TransactionalBatches bool          `mapstructure:"transactional_batches"`

	AuditLogger ExtensionConfig `mapstructure:"-"`
	Tables      []TableConfig   `mapstructure:"-"`
	SQL         []SQLConfig     `mapstructure:"-"`
	Templates   []SQLConfig     `mapstructure:"-"`
}

type TableConfig struct {
	Name           string              `mapstructure:"name"`
	Alias          string              `mapstructure:"alias"`
	IDField        string              `mapstructure:"id_field"`
	APIEndpoints   map[string][]string `mapstructure:"api_endpoints"`
	Extensions     Extensions          `mapstructure:"extensions"`
	FieldsExcluded FieldExclusion      `mapstructure:"-"`
}

// Endpoint reports whether the verb/action endpoint is enabled for the table.
func (t TableConfig) Endpoint(verb, action string) bool {
	return slices.Contains(t.APIEndpoints[verb], action)
}

type Extensions struct {
	SoftDelete        ExtensionConfig              `mapstructure:"soft_delete"`
	OnCreateTimestamp ExtensionConfig              `mapstructure:"on_create_timestamp"`
	OnUpdateTimestamp ExtensionConfig              `mapstructure:"on_update_timestamp"`
	Validators        map[string][]ExtensionConfig `mapstructure:"validators"`
	BeforeRequest     ExtensionConfig              `mapstructure:"before_request"`
	BeforeResponse    ExtensionConfig              `mapstructure:"before_response"`
	AfterResponse     ExtensionConfig              `mapstructure:"after_response"`
}

// ExtensionConfig names an extension implementation and its arguments. Lifecycle extensions use
// Enable and DefaultField; request extensions and validators use Package, Handler and HandlerArgs.
type ExtensionConfig struct {
	Enable       bool           `mapstructure:"enable"`
	DefaultField string         `mapstructure:"default_field"`
	Package      string         `mapstructure:"package"`
	Handler      string         `mapstructure:"handler"`
	HandlerArgs  map[string]any `mapstructure:"handler_args"`
	Cascade      Cascade        `mapstructure:"cascade"`
}

// Key is the registry key of the configured implementation: "package.handler", or just the
// handler when no package is given.
func (e ExtensionConfig) Key() string {
	if e.Package == "" {
		return e.Handler
	}
	if e.Handler == "" {
		return e.Package
	}
	return e.Package + "." + e.Handler
}

// Configured reports whether an implementation is named.
func (e ExtensionConfig) Configured() bool { return e.Handler != "" }

type Cascade struct {
	OneToMany  []OneToMany  `mapstructure:"one_to_many"`
	ManyToMany []ManyToMany `mapstructure:"many_to_many"`
}

// OneToMany soft deletes the rows of Table whose ColumnFK references the deleted row.
type OneToMany struct {
	Table    string `mapstructure:"table"`
	ColumnID string `mapstructure:"column_id"`
	ColumnFK string `mapstructure:"column_fk"`
}

// ManyToMany soft deletes the rows of Table linked to the deleted row through JoinTable.
type ManyToMany struct {
	Table       string      `mapstructure:"table"`
	JoinTable   string      `mapstructure:"join_table"`
	ColumnID    string      `mapstructure:"column_id"`
	JoinColumns JoinColumns `mapstructure:"join_columns"`
}

type JoinColumns struct {
	Main string `mapstructure:"main"` // references the deleted row
	Join string `mapstructure:"join"` // references Table.ColumnID
}

// SQLConfig is a free-form SQL endpoint. Template entries carry a file path in Template
// instead of inline SQL.
type SQLConfig struct {
	Name            string           `yaml:"name"`
	Method          string           `yaml:"method"`
	URL             string           `yaml:"url"`
	SQL             string           `yaml:"sql"`
	Template        string           `yaml:"template"`
	Description     string           `yaml:"description"`
	QueryParameters []map[string]any `yaml:"query_parameters"`
	RequestSchema   map[string]any   `yaml:"request_schema"`
	ResponseSchema  map[string]any   `yaml:"response_schema"`
}

// appEnvKeys may be overridden through SQLAPI_-prefixed environment variables.
var appEnvKeys = []string{"app.host", "app.port", "app.debug", "app.name", "app.version"}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("api")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "sqlapi"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SQLAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	raw := map[string]any{}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		// viper lowercases keys, which would break camelCase OpenAPI keywords in the SQL
		// entries. Keep a case-preserving copy of the document.
		data, err := os.ReadFile(v.ConfigFileUsed())
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	for _, key := range appEnvKeys {
		if v.IsSet(key) {
			setPath(raw, key, v.Get(key))
		}
	}

	return Parse(raw)
}

// Parse builds a Config from a decoded configuration document.
func Parse(raw map[string]any) (*Config, error) {
	raw = lowerTopLevel(raw)
	cfg := &Config{}

	app, err := mergeLayers(appDefaults(), asMap(raw["app"]))
	if err != nil {
		return nil, fmt.Errorf("merge app: %w", err)
	}
	if err := decode(app, &cfg.App); err != nil {
		return nil, configErrorf("app: %v", err)
	}
	if err := parseSecurity(asMap(raw["app"]), &cfg.App); err != nil {
		return nil, err
	}

	env, err := mergeLayers(environmentDefaults(), asMap(raw["environment"]))
	if err != nil {
		return nil, fmt.Errorf("merge environment: %w", err)
	}
	cfg.Environment = make(map[string]string, len(env))
	for k, val := range env {
		cfg.Environment[strings.ToUpper(k)] = util.ExpandEnvRef(fmt.Sprint(val))
	}

	logger, err := mergeLayers(loggerDefaults(), asMap(raw["logger"]))
	if err != nil {
		return nil, fmt.Errorf("merge logger: %w", err)
	}
	if err := decode(logger, &cfg.Logger); err != nil {
		return nil, configErrorf("logger: %v", err)
	}

	var sources []map[string]any
	if db := asMap(raw["database"]); db != nil {
		sources = append(sources, db)
	}
	sources = append(sources, asMaps(raw["databases"])...)

	for i, src := range sources {
		sc, err := parseSource(src, cfg.Environment)
		if err != nil {
			return nil, err
		}
		if sc.Name == "" {
			sc.Name = "default"
			if i > 0 {
				sc.Name = fmt.Sprintf("db%d", i)
			}
		}
		for _, other := range cfg.Sources {
			if other.Name == sc.Name {
				return nil, configErrorf("database %q is already defined", sc.Name)
			}
		}
		cfg.Sources = append(cfg.Sources, *sc)
	}

	return cfg, nil
}

// ExportEnvironment sets every environment entry that the process environment does not
// already define.
func (c *Config) ExportEnvironment() {
	for k, v := range c.Environment {
		if _, ok := os.LookupEnv(k); !ok && v != "" {
			os.Setenv(k, v)
		}
	}
}

// Source returns the named source.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

func parseSource(raw map[string]any, env map[string]string) (*SourceConfig, error) {
	scalars := make(map[string]any, len(raw))
	for k, v := range raw {
		switch strings.ToLower(k) {
		case "defaults", "tables", "sql", "templates":
		default:
			scalars[k] = v
		}
	}
	merged, err := mergeLayers(databaseDefaults(), scalars)
	if err != nil {
		return nil, fmt.Errorf("merge database: %w", err)
	}

	sc := &SourceConfig{}
	if err := decode(merged, sc); err != nil {
		return nil, configErrorf("database: %v", err)
	}
	sc.URL = cmp.Or(util.ExpandEnvRef(sc.URL), env["APP_DB_URL"])
	sc.Driver, sc.URL = driverFor(sc.Driver, sc.URL)

	lowered := lowerTopLevel(raw)
	rawDefaults := asMap(lowerTopLevel(asMap(lowered["defaults"]))["tables"])
	tablesDefaults, err := mergeLayers(tablesDefaults(), rawDefaults)
	if err != nil {
		return nil, fmt.Errorf("merge defaults.tables: %w", err)
	}

	extensions := asMap(tablesDefaults["extensions"])
	if err := decode(extensions["audit_logger"], &sc.AuditLogger); err != nil {
		return nil, configErrorf("audit_logger: %v", err)
	}
	// audit_logger is configured per source, never per table
	delete(extensions, "audit_logger")

	for _, entry := range asMaps(lowered["tables"]) {
		tc, err := parseTable(tablesDefaults, entry)
		if err != nil {
			return nil, err
		}
		sc.Tables = append(sc.Tables, *tc)
	}

	if sc.SQL, err = parseSQL(lowered["sql"], false); err != nil {
		return nil, err
	}
	if sc.Templates, err = parseSQL(lowered["templates"], true); err != nil {
		return nil, err
	}
	return sc, nil
}

func parseTable(defaults, entry map[string]any) (*TableConfig, error) {
	merged, err := mergeLayers(tableDefaults(), defaults, entry)
	if err != nil {
		return nil, fmt.Errorf("merge table: %w", err)
	}

	tc := &TableConfig{}
	if err := decode(merged, tc); err != nil {
		return nil, configErrorf("table %v: %v", entry["name"], err)
	}
	if tc.Name == "" {
		return nil, configErrorf("table entry without name")
	}

	endpoints := make(map[string][]string, len(tc.APIEndpoints))
	for verb, actions := range tc.APIEndpoints {
		upper := make([]string, 0, len(actions))
		for _, a := range actions {
			upper = append(upper, strings.ToUpper(a))
		}
		endpoints[strings.ToUpper(verb)] = upper
	}
	tc.APIEndpoints = endpoints
	tc.FieldsExcluded = parseFieldsExcluded(asMap(merged["fields_excluded"]))

	for name, ext := range map[string]ExtensionConfig{
		"soft_delete":         tc.Extensions.SoftDelete,
		"on_create_timestamp": tc.Extensions.OnCreateTimestamp,
		"on_update_timestamp": tc.Extensions.OnUpdateTimestamp,
	} {
		if ext.Enable && ext.DefaultField == "" {
			return nil, configErrorf("%s is enabled but there is not default_field", name)
		}
	}
	return tc, nil
}

func parseSQL(v any, template bool) ([]SQLConfig, error) {
	var out []SQLConfig
	for _, entry := range asMaps(v) {
		data, err := yaml.Marshal(entry)
		if err != nil {
			return nil, err
		}
		var sc SQLConfig
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, configErrorf("sql entry: %v", err)
		}
		sc.Method = strings.ToUpper(cmp.Or(sc.Method, sqlDefaults()["method"].(string)))
		switch {
		case sc.Name == "" || sc.URL == "":
			return nil, configErrorf("sql entry requires name and url")
		case template && sc.Template == "":
			return nil, configErrorf("template %q requires a template path", sc.Name)
		case !template && sc.SQL == "":
			return nil, configErrorf("sql %q requires sql", sc.Name)
		}
		out = append(out, sc)
	}
	return out, nil
}

func parseSecurity(rawApp map[string]any, app *AppConfig) error {
	rawApp = lowerTopLevel(rawApp)
	if schemes := asMap(rawApp["security_schemes"]); schemes != nil {
		app.SecuritySchemes = schemes
	}
	for _, req := range asMaps(rawApp["security"]) {
		r := make(map[string][]string, len(req))
		for name, scopes := range req {
			var list []string
			if err := decode(scopes, &list); err != nil {
				return configErrorf("app.security: %v", err)
			}
			r[name] = list
		}
		app.Security = append(app.Security, r)
	}
	return nil
}

// driverFor infers the driver from the URL when none is configured and strips a sqlite:
// scheme.
func driverFor(driver, url string) (string, string) {
	driver = strings.ToLower(driver)
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	if driver == "" {
		switch {
		case strings.HasPrefix(url, "sqlite:"), strings.HasPrefix(url, "file:"),
			url == ":memory:", strings.HasSuffix(url, ".db"), strings.HasSuffix(url, ".sqlite"):
			driver = "sqlite"
		default:
			driver = "postgres"
		}
	}
	if driver == "sqlite" {
		url = strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "sqlite:")
	}
	return driver, url
}

func lowerTopLevel(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next := asMap(m[p])
		if next == nil {
			next = map[string]any{}
		}
		m[p] = next
		m = next
	}
	m[parts[len(parts)-1]] = value
}
