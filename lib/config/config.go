package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/go-duplex/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const DUPLEX_BASE_DIR = ".go-duplex"

// InitConfig loads the configuration file, creating a default one under
// $HOME/.go-duplex when none exists and no explicit file was requested.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildDuplexDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	return handleConfigFile()
}

func setDefaults() {
	d := DefaultSessionConfig()

	setRetryDefaults("session.route_retry", d.RouteRetry)
	setRetryDefaults("session.send_retry", d.SendRetry)
	setRetryDefaults("session.lookup_retry", d.LookupRetry)

	viper.SetDefault("session.lookup_interval", d.LookupInterval)
	viper.SetDefault("session.lookup_burst", d.LookupBurst)
	viper.SetDefault("session.send_failure_threshold", d.SendFailureThreshold)
	viper.SetDefault("session.operation_timeout", d.OperationTimeout)
	viper.SetDefault("session.release_timeout", d.ReleaseTimeout)
	viper.SetDefault("session.max_envelope_size", d.MaxEnvelopeSize)
	viper.SetDefault("session.nickname", d.Nickname)

	viper.SetDefault("dedup.max_entries", d.DedupMaxEntries)
	viper.SetDefault("dedup.retention", d.DedupRetention)
}

func setRetryDefaults(prefix string, r RetryConfig) {
	viper.SetDefault(prefix+".initial_delay", r.InitialDelay)
	viper.SetDefault(prefix+".max_delay", r.MaxDelay)
	viper.SetDefault(prefix+".max_attempts", r.MaxAttempts)
}

func retryFromViper(prefix string) RetryConfig {
	return RetryConfig{
		InitialDelay: viper.GetDuration(prefix + ".initial_delay"),
		MaxDelay:     viper.GetDuration(prefix + ".max_delay"),
		MaxAttempts:  viper.GetInt(prefix + ".max_attempts"),
	}
}

// NewSessionConfigFromViper creates a SessionConfig from the current viper settings.
func NewSessionConfigFromViper() *SessionConfig {
	return &SessionConfig{
		RouteRetry:           retryFromViper("session.route_retry"),
		SendRetry:            retryFromViper("session.send_retry"),
		LookupRetry:          retryFromViper("session.lookup_retry"),
		LookupInterval:       viper.GetDuration("session.lookup_interval"),
		LookupBurst:          viper.GetInt("session.lookup_burst"),
		SendFailureThreshold: viper.GetInt("session.send_failure_threshold"),
		DedupMaxEntries:      viper.GetInt("dedup.max_entries"),
		DedupRetention:       viper.GetDuration("dedup.retention"),
		MaxEnvelopeSize:      viper.GetInt("session.max_envelope_size"),
		OperationTimeout:     viper.GetDuration("session.operation_timeout"),
		ReleaseTimeout:       viper.GetDuration("session.release_timeout"),
		Nickname:             viper.GetString("session.nickname"),
	}
}

// EffectiveYAML renders the merged configuration (defaults, file, flags).
func EffectiveYAML() ([]byte, error) {
	out, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return nil, oops.Errorf("encode effective config: %w", err)
	}
	return out, nil
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		return oops.Errorf("could not create config directory: %w", err)
	}
	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.Errorf("could not write default config file: %w", err)
	}
	log.Debugf("Created default configuration at: %s", defaultConfigFile)
	return nil
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
		return nil
	}
	if _, ok := err.(viper.ConfigFileNotFoundError); ok && CfgFile == "" {
		return createDefaultConfig(BuildDuplexDirPath())
	}
	if CfgFile != "" {
		return oops.Errorf("config file %s could not be read: %w", CfgFile, err)
	}
	return oops.Errorf("error reading config file: %w", err)
}

func BuildDuplexDirPath() string {
	return filepath.Join(util.UserHome(), DUPLEX_BASE_DIR)
}
