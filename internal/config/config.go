// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for blogsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Each section configures one subsystem; unset fields keep their defaults.
type Config struct {
	DataDir   string          `toml:"data_dir"`
	Lock      LockConfig      `toml:"lock"`
	Update    UpdateConfig    `toml:"update"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Ignore    IgnoreConfig    `toml:"ignore"`
	Logging   LoggingConfig   `toml:"logging"`
	Server    ServerConfig    `toml:"server"`
	Dropbox   ProviderConfig  `toml:"dropbox"`
	GDrive    ProviderConfig  `toml:"gdrive"`
	Git       GitConfig       `toml:"git"`
}

// LockConfig controls the per-folder lock: how long an unrenewed lock stays
// live, how often holders renew, and how hard contenders retry. The startup
// budget applies only within startup_window of process start, to absorb
// locks left behind by a process that was just killed.
type LockConfig struct {
	StaleAfter     string `toml:"stale_after"`
	RenewInterval  string `toml:"renew_interval"`
	StartupWindow  string `toml:"startup_window"`
	StartupRetries int    `toml:"startup_retries"`
	Retries        int    `toml:"retries"`
	RetryDelay     string `toml:"retry_delay"`
}

// UpdateConfig controls the per-path update pipeline.
// MaxIterations caps convergence re-runs; 0 means unbounded.
// MarkerDirs maps a directory name to the blog option its presence enables.
type UpdateConfig struct {
	MaxIterations int               `toml:"max_iterations"`
	MarkerDirs    map[string]string `toml:"marker_dirs"`
	WatchDebounce string            `toml:"watch_debounce"`
}

// ReconcileConfig controls remote reconciliation passes.
type ReconcileConfig struct {
	MaxDownloadSize  string   `toml:"max_download_size"`
	DeniedExtensions []string `toml:"denied_extensions"`
	TransferTimeout  string   `toml:"transfer_timeout"`
	Concurrency      int      `toml:"concurrency"`
}

// IgnoreConfig adds gitignore-style patterns on top of the built-in rules.
type IgnoreConfig struct {
	IgnoreFile    string   `toml:"ignore_file"`
	ExtraPatterns []string `toml:"extra_patterns"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// ServerConfig controls the webhook and status server.
// The Dropbox app secret is read from the named environment variable so it
// never has to live in the config file.
type ServerConfig struct {
	Listen              string `toml:"listen"`
	DropboxAppSecretEnv string `toml:"dropbox_app_secret_env"`
}

// ProviderConfig holds OAuth client settings for a storage provider.
// APIURL and ContentURL override the provider endpoints (used by tests and
// self-hosted proxies).
type ProviderConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenDir     string `toml:"token_dir"`
	APIURL       string `toml:"api_url"`
	ContentURL   string `toml:"content_url"`
}

// GitConfig controls bootstrap of Git mirrors.
type GitConfig struct {
	GitPath     string `toml:"git_path"`
	BareDir     string `toml:"bare_dir"`
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	LogLevel   *string // derived from --verbose / --quiet
}
