// Package conf loads and validates the application settings from the
// config file, environment variables and command line flags.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogConfig holds settings for the application log file.
type LogConfig struct {
	Enabled bool   // true to enable file logging
	Path    string // path to log file
}

// MainSettings contains top-level application settings.
type MainSettings struct {
	Name string    // node name, used to identify the acting principal on auto writes
	Log  LogConfig // main log file settings
}

// ScorerSettings configures the zero-shot vision-language scorer boundary.
type ScorerSettings struct {
	Provider          string        // "remote" or "gemini"
	Endpoint          string        // base URL of the serving endpoint
	APIKey            string        // bearer token for the endpoint, optional
	Timeout           time.Duration // per-request timeout
	CacheTTL          time.Duration // prediction cache lifetime
	RequestsPerSecond float64       // serving-side throughput limit
	GeminiModel       string        // model name for the gemini provider
}

// PipelineSettings configures the batch pipeline.
type PipelineSettings struct {
	Workers int // bounded worker pool size for concurrent image processing
}

// ReviewSettings configures the review queue builder.
type ReviewSettings struct {
	ExportPath string // where the review queue JSON is written
	MaxItems   int    // cap on exported tasks per run, 0 for unlimited
}

// PolicySettings holds the decision thresholds for one category. Zero
// values disable the corresponding check.
type PolicySettings struct {
	MinConfidence  float64 // required minimum max-probability
	MinMargin      float64 // required minimum top1-top2 margin
	MaxEntropy     float64 // allowed maximum normalized entropy
	LabelThreshold float64 // per-label bar for multi-label categories
}

// SQLiteSettings contains settings for the SQLite label store.
type SQLiteSettings struct {
	Enabled bool
	Path    string
}

// MySQLSettings contains settings for the MySQL label store.
type MySQLSettings struct {
	Enabled  bool
	Username string
	Password string
	Host     string
	Port     string
	Database string
}

// OutputSettings selects and configures the label store backend.
type OutputSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// Settings is the root configuration struct, passed explicitly to the
// components that need it.
type Settings struct {
	Debug    bool
	Main     MainSettings
	Scorer   ScorerSettings
	Pipeline PipelineSettings
	Review   ReviewSettings
	Policies map[string]PolicySettings
	Output   OutputSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a
// Settings struct and validates it.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// GetSettings returns the current settings instance, nil before Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// initViper initializes viper with defaults and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("cartag")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes a config file with the default values to the
// first default config path.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("error marshaling default config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	return viper.ReadInConfig()
}

// GetDefaultConfigPaths returns the config file search paths: the working
// directory first, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}
	if userConfig, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userConfig, "cartag"))
	}
	return paths, nil
}
