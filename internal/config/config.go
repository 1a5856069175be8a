// Package config loads the TOML configuration, resolves the author identity
// and opens the configured store.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gitissue/gitissue/internal/issue"
	"github.com/gitissue/gitissue/internal/issuestore"
	"github.com/gitissue/gitissue/internal/objstore"
	"github.com/gitissue/gitissue/internal/objstore/cidstore"
	"github.com/gitissue/gitissue/internal/objstore/gitstore"
)

const configRelPath = ".config/gitissue/config.toml"

// Backend names accepted in [store] backend.
const (
	BackendGit = "git"
	BackendCID = "cid"
)

// Duration is a time.Duration that unmarshals from TOML strings like "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Store  Store  `toml:"store"`
	Author Author `toml:"author"`
	Log    Log    `toml:"log"`
	Mount  Mount  `toml:"mount"`
}

type Store struct {
	Backend     string   `toml:"backend"`   // "git" (default) or "cid"
	Path        string   `toml:"path"`      // repository root, default "."
	Bare        bool     `toml:"bare"`      // git backend: path is the git directory
	Namespace   string   `toml:"namespace"` // default "refs/git-issue"
	MaxRetries  int      `toml:"max_retries"`
	LockTimeout Duration `toml:"lock_timeout"`
}

type Author struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

type Log struct {
	Level  string `toml:"level"`  // debug | info | warn | error
	Format string `toml:"format"` // text | json
}

type Mount struct {
	Path  string `toml:"path"`
	Debug bool   `toml:"debug"`
}

// DefaultPath returns ~/.config/gitissue/config.toml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configRelPath)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and validates a TOML configuration file. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendGit
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "."
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = issuestore.DefaultNamespace
	}
	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = issuestore.DefaultMaxRetries
	}
	if cfg.Store.LockTimeout.Duration == 0 {
		cfg.Store.LockTimeout.Duration = cidstore.DefaultLockTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case BackendGit, BackendCID:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendGit, BackendCID, cfg.Store.Backend)
	}
	ns := strings.TrimSuffix(cfg.Store.Namespace, "/")
	if !strings.HasPrefix(ns, "refs/") {
		return fmt.Errorf("store.namespace %q must start with refs/", cfg.Store.Namespace)
	}
	if err := objstore.ValidateRefName(ns + "/issues/1"); err != nil {
		return fmt.Errorf("store.namespace %q: %w", cfg.Store.Namespace, err)
	}
	cfg.Store.Namespace = ns
	if cfg.Store.MaxRetries < 1 {
		return fmt.Errorf("store.max_retries must be positive, got %d", cfg.Store.MaxRetries)
	}
	if cfg.Store.LockTimeout.Duration < 0 {
		return fmt.Errorf("store.lock_timeout must not be negative")
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	if (cfg.Author.Name == "") != (cfg.Author.Email == "") {
		return fmt.Errorf("author.name and author.email must be set together")
	}
	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	cfg.Mount.Path = ExpandHome(cfg.Mount.Path)
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", level)
}

// ErrNoAuthor is returned by ResolveAuthor when no identity is configured.
var ErrNoAuthor = errors.New("no author identity: set [author] in the config or GIT_AUTHOR_NAME and GIT_AUTHOR_EMAIL")

// ResolveAuthor returns the identity recorded on new events: the [author]
// section, else GIT_AUTHOR_NAME and GIT_AUTHOR_EMAIL.
func (cfg *Config) ResolveAuthor() (issue.Identity, error) {
	if cfg.Author.Name != "" && cfg.Author.Email != "" {
		return issue.Identity{Name: cfg.Author.Name, Email: cfg.Author.Email}, nil
	}
	name, email := os.Getenv("GIT_AUTHOR_NAME"), os.Getenv("GIT_AUTHOR_EMAIL")
	if name != "" && email != "" {
		return issue.Identity{Name: name, Email: email}, nil
	}
	return issue.Identity{}, ErrNoAuthor
}

// OpenObjects opens the configured object store backend.
func (cfg *Config) OpenObjects() (objstore.Store, error) {
	timeout := cfg.Store.LockTimeout.Duration
	switch cfg.Store.Backend {
	case BackendCID:
		s, err := cidstore.Open(cfg.Store.Path, cidstore.Options{LockTimeout: timeout})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendGit:
		s, err := gitstore.Open(cfg.Store.Path, gitstore.Options{Bare: cfg.Store.Bare, LockTimeout: timeout})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// OpenStore opens the configured backend and wraps it in an issue store.
// Closing the returned store closes the backend.
func (cfg *Config) OpenStore(logger *slog.Logger) (*issuestore.Store, error) {
	objects, err := cfg.OpenObjects()
	if err != nil {
		return nil, fmt.Errorf("open %s store at %s: %w", cfg.Store.Backend, cfg.Store.Path, err)
	}
	return issuestore.New(objects, issuestore.Options{
		Namespace:  cfg.Store.Namespace,
		MaxRetries: cfg.Store.MaxRetries,
		Logger:     logger,
	}), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
