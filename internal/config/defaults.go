package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultStaleAfter       = "10s"
	defaultRenewInterval    = "3s"
	defaultStartupWindow    = "1m"
	defaultStartupRetries   = 30
	defaultLockRetries      = 10
	defaultRetryDelay       = "500ms"
	defaultWatchDebounce    = "500ms"
	defaultMaxDownloadSize  = "100MB"
	defaultTransferTimeout  = "5m"
	defaultConcurrency      = 4
	defaultIgnoreFile       = ".syncignore"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
	defaultListen           = "127.0.0.1:8087"
	defaultDropboxSecretEnv = "BLOGSYNC_DROPBOX_APP_SECRET"
	defaultGitPath          = "git"
	defaultAuthorName       = "blogsync"
	defaultAuthorEmail      = "blogsync@localhost"
)

// defaultDeniedExtensions are never materialized locally with content.
var defaultDeniedExtensions = []string{".exe", ".dmg", ".iso", ".app", ".msi"}

// defaultMarkerDirs maps folder names to the blog option they switch on.
var defaultMarkerDirs = map[string]string{
	"Drafts":    "show_drafts",
	"Templates": "custom_templates",
}

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	markers := make(map[string]string, len(defaultMarkerDirs))
	for k, v := range defaultMarkerDirs {
		markers[k] = v
	}

	return &Config{
		Lock: LockConfig{
			StaleAfter:     defaultStaleAfter,
			RenewInterval:  defaultRenewInterval,
			StartupWindow:  defaultStartupWindow,
			StartupRetries: defaultStartupRetries,
			Retries:        defaultLockRetries,
			RetryDelay:     defaultRetryDelay,
		},
		Update: UpdateConfig{
			MarkerDirs:    markers,
			WatchDebounce: defaultWatchDebounce,
		},
		Reconcile: ReconcileConfig{
			MaxDownloadSize:  defaultMaxDownloadSize,
			DeniedExtensions: append([]string(nil), defaultDeniedExtensions...),
			TransferTimeout:  defaultTransferTimeout,
			Concurrency:      defaultConcurrency,
		},
		Ignore: IgnoreConfig{
			IgnoreFile: defaultIgnoreFile,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
		Server: ServerConfig{
			Listen:              defaultListen,
			DropboxAppSecretEnv: defaultDropboxSecretEnv,
		},
		Git: GitConfig{
			GitPath:     defaultGitPath,
			AuthorName:  defaultAuthorName,
			AuthorEmail: defaultAuthorEmail,
		},
	}
}
