package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MiB = int64(1024 * 1024)
	GiB = 1024 * MiB
)

type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Quota      QuotaConfig      `yaml:"quota"`
	Retry      RetryConfig      `yaml:"retry"`
	WorkDir    string           `yaml:"work_dir"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Export     ExportConfig     `yaml:"export"`
	Notify     NotifyConfig     `yaml:"notify"`
	Log        LogConfig        `yaml:"log"`
}

// SourceConfig describes the paginated metadata endpoint.
type SourceConfig struct {
	ListURL      string        `yaml:"list_url"`
	Method       string        `yaml:"method"` // "GET" | "POST"
	SubjectParam string        `yaml:"subject_param"`
	ListField    string        `yaml:"list_field"`
	IDField      string        `yaml:"id_field"`
	LocatorField string        `yaml:"locator_field"`
	PageSize     int           `yaml:"page_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int           `yaml:"max_in_flight"`
	UserAgent   string        `yaml:"user_agent"`
	GatewayURL  string        `yaml:"gateway_url"` // used to fetch locators that are already CIDs
}

type StorageConfig struct {
	Backend        string        `yaml:"backend"` // "ipfs" | "blob"
	IPFSAPI        string        `yaml:"ipfs_api"`
	BucketURL      string        `yaml:"bucket_url"` // file:///..., s3://..., gs://..., mem://
	Prefix         string        `yaml:"prefix"`
	PinTimeout     time.Duration `yaml:"pin_timeout"`
	PinConcurrency int           `yaml:"pin_concurrency"`
}

type LedgerConfig struct {
	Mode        string        `yaml:"mode"` // "ws" | "file"
	Endpoint    string        `yaml:"endpoint"`
	AuthToken   string        `yaml:"auth_token"`
	StateDir    string        `yaml:"state_dir"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type QuotaConfig struct {
	CountDefault int   `yaml:"count_default"`
	SizeDefault  int64 `yaml:"size_default"`
	SizeMin      int64 `yaml:"size_min"`
	SizeMax      int64 `yaml:"size_max"`
}

type RetryConfig struct {
	MaxPasses   int `yaml:"max_passes"`
	FinalPasses int `yaml:"final_passes"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

type ExportConfig struct {
	Dir string `yaml:"dir"`
}

type NotifyConfig struct {
	TokenURIURL string        `yaml:"token_uri_url"`
	StatusURL   string        `yaml:"status_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
}

// Load builds the configuration from environment variables, overlays the YAML
// file named by ASSET_ORDERER_CONFIG when present, and validates the result.
func Load() (Config, error) {
	cfg := fromEnv()

	if path := os.Getenv("ASSET_ORDERER_CONFIG"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromEnv() Config {
	return Config{
		Source: SourceConfig{
			ListURL:      os.Getenv("SOURCE_LIST_URL"),
			Method:       strings.ToUpper(getenvDefault("SOURCE_METHOD", "GET")),
			SubjectParam: getenvDefault("SOURCE_SUBJECT_PARAM", "nft_address"),
			ListField:    getenvDefault("SOURCE_LIST_FIELD", "nft_message_list"),
			IDField:      getenvDefault("SOURCE_ID_FIELD", "nft_asset_id"),
			LocatorField: getenvDefault("SOURCE_LOCATOR_FIELD", "nft_content_uri"),
			PageSize:     parseInt(getenvDefault("SOURCE_PAGE_SIZE", "20")),
			Timeout:      parseDuration(getenvDefault("SOURCE_TIMEOUT", "60s")),
		},
		Fetch: FetchConfig{
			Timeout:     parseDuration(getenvDefault("FETCH_TIMEOUT", "60s")),
			MaxInFlight: parseInt(getenvDefault("FETCH_MAX_IN_FLIGHT", "50")),
			UserAgent:   getenvDefault("FETCH_USER_AGENT", "asset-orderer/1.0"),
			GatewayURL:  getenvDefault("FETCH_GATEWAY_URL", "https://ipfs.io"),
		},
		Storage: StorageConfig{
			Backend:        getenvDefault("STORAGE_BACKEND", "ipfs"),
			IPFSAPI:        getenvDefault("IPFS_API", "localhost:5001"),
			BucketURL:      os.Getenv("STORAGE_BUCKET_URL"),
			Prefix:         getenvDefault("STORAGE_PREFIX", "cas/"),
			PinTimeout:     parseDuration(getenvDefault("STORAGE_PIN_TIMEOUT", "10m")),
			PinConcurrency: parseInt(getenvDefault("STORAGE_PIN_CONCURRENCY", "2")),
		},
		Ledger: LedgerConfig{
			Mode:        getenvDefault("LEDGER_MODE", "ws"),
			Endpoint:    os.Getenv("LEDGER_ENDPOINT"),
			AuthToken:   os.Getenv("LEDGER_AUTH_TOKEN"),
			StateDir:    getenvDefault("LEDGER_STATE_DIR", "./state"),
			MaxAttempts: parseInt(getenvDefault("LEDGER_MAX_ATTEMPTS", "10")),
			RetryDelay:  parseDuration(getenvDefault("LEDGER_RETRY_DELAY", "3s")),
			CallTimeout: parseDuration(getenvDefault("LEDGER_CALL_TIMEOUT", "2m")),
		},
		Quota: QuotaConfig{
			CountDefault: parseInt(getenvDefault("ORDER_NUM_DEFAULT", "500")),
			SizeDefault:  parseInt64(getenvDefault("ORDER_SIZE_DEFAULT", strconv.FormatInt(5*GiB, 10))),
			SizeMin:      parseInt64(getenvDefault("ORDER_SIZE_MIN", strconv.FormatInt(100*MiB, 10))),
			SizeMax:      parseInt64(getenvDefault("ORDER_SIZE_MAX", strconv.FormatInt(10*GiB, 10))),
		},
		Retry: RetryConfig{
			MaxPasses:   parseInt(getenvDefault("RETRY_MAX_PASSES", "3")),
			FinalPasses: parseInt(getenvDefault("RETRY_FINAL_PASSES", "1")),
		},
		WorkDir: getenvDefault("WORK_DIR", "./work"),
		Server: ServerConfig{
			Addr: getenvDefault("SERVER_ADDR", ":8080"),
		},
		Metrics: MetricsConfig{
			Enabled:   getenvDefault("METRICS_ENABLED", "true") == "true",
			Namespace: getenvDefault("METRICS_NAMESPACE", "asset_orderer"),
		},
		Checkpoint: CheckpointConfig{
			Enabled: os.Getenv("CHECKPOINT_ENABLED") == "true",
			Dir:     getenvDefault("CHECKPOINT_DIR", "./state/checkpoints"),
		},
		Catalog: CatalogConfig{
			DSN: os.Getenv("CATALOG_DSN"),
		},
		Export: ExportConfig{
			Dir: os.Getenv("EXPORT_DIR"),
		},
		Notify: NotifyConfig{
			TokenURIURL: os.Getenv("NOTIFY_TOKEN_URI_URL"),
			StatusURL:   os.Getenv("NOTIFY_STATUS_URL"),
			Timeout:     parseDuration(getenvDefault("NOTIFY_TIMEOUT", "30s")),
		},
		Log: LogConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
			File:   os.Getenv("LOG_FILE"),
		},
	}
}

// overlayFile decodes a YAML file on top of cfg. Keys absent from the file
// keep their environment or default values.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.Source.Method = strings.ToUpper(cfg.Source.Method)
	return nil
}

var ErrInvalid = errors.New("invalid configuration")

// Validate checks the settings that cannot be corrected per job.
func (c Config) Validate() error {
	var problems []string

	if c.Source.Method != "GET" && c.Source.Method != "POST" {
		problems = append(problems, fmt.Sprintf("source method must be GET or POST, got %q", c.Source.Method))
	}
	if c.Source.PageSize < 1 {
		problems = append(problems, "source page size must be positive")
	}
	if c.Fetch.MaxInFlight < 1 {
		problems = append(problems, "fetch max in-flight must be positive")
	}
	if c.Fetch.Timeout <= 0 {
		problems = append(problems, "fetch timeout must be positive")
	}
	switch c.Storage.Backend {
	case "ipfs":
		if c.Storage.IPFSAPI == "" {
			problems = append(problems, "IPFS_API required for ipfs backend")
		}
	case "blob":
		if c.Storage.BucketURL == "" {
			problems = append(problems, "STORAGE_BUCKET_URL required for blob backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage backend: %s", c.Storage.Backend))
	}
	switch c.Ledger.Mode {
	case "ws":
		if c.Ledger.Endpoint == "" {
			problems = append(problems, "LEDGER_ENDPOINT required for ws ledger")
		}
	case "file":
	default:
		problems = append(problems, fmt.Sprintf("unknown ledger mode: %s", c.Ledger.Mode))
	}
	if c.Ledger.MaxAttempts < 1 {
		problems = append(problems, "ledger max attempts must be positive")
	}
	if c.Quota.SizeMin <= 0 || c.Quota.SizeMin > c.Quota.SizeMax {
		problems = append(problems, fmt.Sprintf("size quota bounds [%d, %d] are invalid", c.Quota.SizeMin, c.Quota.SizeMax))
	}
	if c.Quota.SizeDefault < c.Quota.SizeMin || c.Quota.SizeDefault > c.Quota.SizeMax {
		problems = append(problems, fmt.Sprintf("default size quota %d outside [%d, %d]", c.Quota.SizeDefault, c.Quota.SizeMin, c.Quota.SizeMax))
	}
	if c.Quota.CountDefault < 1 {
		problems = append(problems, "default count quota must be at least 1")
	}
	if c.Retry.MaxPasses < 1 {
		problems = append(problems, "retry max passes must be at least 1")
	}
	if c.Retry.FinalPasses < 0 {
		problems = append(problems, "retry final passes must not be negative")
	}
	if c.WorkDir == "" {
		problems = append(problems, "WORK_DIR must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseInt(v string) int {
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(v string) int64 {
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
