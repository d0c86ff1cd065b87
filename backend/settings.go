package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
)

// EnvPrefix prefixes every environment variable read by the settings loader.
const EnvPrefix = "DASHBOARD"

// Setting keys shared by the CLI flags, environment and settings file.
const (
	keyConfigFile      = "config"
	keyListen          = "listen"
	keyKubeconfig      = "kubeconfig"
	keyContext         = "context"
	keyStaticDir       = "static-dir"
	keyMetricsInterval = "metrics-interval"
	keyMetricsHistory  = "metrics-history"
	keyRateLimit       = "rate-limit"
	keyRateBurst       = "rate-burst"
	keyAllowedOrigins  = "allowed-origins"
	keyClientQPS       = "client-qps"
	keyClientBurst     = "client-burst"
	keyLogBuffer       = "log-buffer"
)

// Settings holds the runtime configuration of the dashboard service.
type Settings struct {
	ListenAddress   string
	Kubeconfig      string
	Context         string
	StaticDir       string
	MetricsInterval time.Duration
	MetricsHistory  int
	RateLimit       float64
	RateBurst       int
	AllowedOrigins  []string
	ClientQPS       float32
	ClientBurst     int
	LogBufferSize   int
}

// DefaultSettings returns the settings used when nothing overrides them.
func DefaultSettings() Settings {
	return Settings{
		ListenAddress:   config.DefaultListenAddress,
		Kubeconfig:      defaultKubeconfigPath(),
		MetricsInterval: config.RefreshMetricsInterval,
		MetricsHistory:  config.MetricsHistorySize,
		RateLimit:       config.APIRateLimitPerSecond,
		RateBurst:       config.APIRateLimitBurst,
		ClientQPS:       config.ClientQPS,
		ClientBurst:     config.ClientBurst,
		LogBufferSize:   config.AppLogBufferSize,
	}
}

// defaultKubeconfigPath resolves $KUBECONFIG, then ~/.kube/config. An empty result means
// the service falls back to the in-cluster config.
func defaultKubeconfigPath() string {
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		return env
	}
	if _, err := os.Stat(clientcmd.RecommendedHomeFile); err == nil {
		return clientcmd.RecommendedHomeFile
	}
	return ""
}

// NewViper returns a viper instance reading DASHBOARD_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettings()
	v.SetDefault(keyListen, defaults.ListenAddress)
	v.SetDefault(keyKubeconfig, defaults.Kubeconfig)
	v.SetDefault(keyMetricsInterval, defaults.MetricsInterval)
	v.SetDefault(keyMetricsHistory, defaults.MetricsHistory)
	v.SetDefault(keyRateLimit, defaults.RateLimit)
	v.SetDefault(keyRateBurst, defaults.RateBurst)
	v.SetDefault(keyClientQPS, defaults.ClientQPS)
	v.SetDefault(keyClientBurst, defaults.ClientBurst)
	v.SetDefault(keyLogBuffer, defaults.LogBufferSize)
	return v
}

// BindFlags registers the settings flags on cmd and binds them to v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String(keyConfigFile, "", "path to a YAML settings file")
	flags.String(keyListen, config.DefaultListenAddress, "address the HTTP server listens on")
	flags.String(keyKubeconfig, "", "kubeconfig path, colon separated lists are merged")
	flags.String(keyContext, "", "context to activate at startup (defaults to the kubeconfig current context)")
	flags.String(keyStaticDir, "", "directory of frontend assets served on /")
	flags.Duration(keyMetricsInterval, config.RefreshMetricsInterval, "metrics polling interval")
	flags.Int(keyMetricsHistory, config.MetricsHistorySize, "metrics samples kept in history")
	flags.Float64(keyRateLimit, config.APIRateLimitPerSecond, "requests per second allowed per client IP")
	flags.Int(keyRateBurst, config.APIRateLimitBurst, "request burst allowed per client IP")
	flags.StringSlice(keyAllowedOrigins, nil, "origins allowed for CORS and websocket upgrades")
	flags.Float32(keyClientQPS, config.ClientQPS, "Kubernetes client QPS")
	flags.Int(keyClientBurst, config.ClientBurst, "Kubernetes client burst")
	flags.Int(keyLogBuffer, config.AppLogBufferSize, "application log entries kept for /api/logs")

	for _, key := range []string{
		keyConfigFile, keyListen, keyKubeconfig, keyContext, keyStaticDir,
		keyMetricsInterval, keyMetricsHistory, keyRateLimit, keyRateBurst, keyAllowedOrigins,
		keyClientQPS, keyClientBurst, keyLogBuffer,
	} {
		if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

// LoadSettings resolves the settings from flags, environment, the optional settings
// file and defaults, in that order of precedence.
func LoadSettings(v *viper.Viper) (Settings, error) {
	if path := v.GetString(keyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings file %s: %w", path, err)
		}
	}

	settings := Settings{
		ListenAddress:   v.GetString(keyListen),
		Kubeconfig:      expandHome(v.GetString(keyKubeconfig)),
		Context:         v.GetString(keyContext),
		StaticDir:       v.GetString(keyStaticDir),
		MetricsInterval: v.GetDuration(keyMetricsInterval),
		MetricsHistory:  v.GetInt(keyMetricsHistory),
		RateLimit:       v.GetFloat64(keyRateLimit),
		RateBurst:       v.GetInt(keyRateBurst),
		AllowedOrigins:  originList(v.GetStringSlice(keyAllowedOrigins)),
		ClientQPS:       float32(v.GetFloat64(keyClientQPS)),
		ClientBurst:     v.GetInt(keyClientBurst),
		LogBufferSize:   v.GetInt(keyLogBuffer),
	}
	if settings.Kubeconfig == "" {
		settings.Kubeconfig = defaultKubeconfigPath()
	}
	return settings, settings.Validate()
}

// Validate reports settings that cannot run.
func (s Settings) Validate() error {
	var errs []error
	if s.ListenAddress == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if s.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics interval must be positive, got %s", s.MetricsInterval))
	}
	if s.MetricsHistory <= 0 {
		errs = append(errs, fmt.Errorf("metrics history must be positive, got %d", s.MetricsHistory))
	}
	if s.RateLimit <= 0 || s.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit and burst must be positive"))
	}
	if s.ClientQPS <= 0 || s.ClientBurst <= 0 {
		errs = append(errs, errors.New("client QPS and burst must be positive"))
	}
	return errors.Join(errs...)
}

// KubeconfigPaths splits the kubeconfig setting into its file list.
func (s Settings) KubeconfigPaths() []string {
	var paths []string
	for _, path := range filepath.SplitList(s.Kubeconfig) {
		if path = strings.TrimSpace(path); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// originList accepts both repeated values and a single comma separated value, which is
// how the environment variable arrives.
func originList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
