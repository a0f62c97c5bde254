package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tanq16/rangedl/internal/utils"
)

const EnvPrefix = "RANGEDL"

type Config struct {
	Connections      int           `mapstructure:"connections" yaml:"connections"`
	Workers          int           `mapstructure:"workers" yaml:"workers"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAliveTimeout time.Duration `mapstructure:"keep-alive-timeout" yaml:"keep-alive-timeout"`
	UserAgent        string        `mapstructure:"user-agent" yaml:"user-agent"`
	Proxy            string        `mapstructure:"proxy" yaml:"proxy"`
	ProxyUsername    string        `mapstructure:"proxy-username" yaml:"proxy-username"`
	ProxyPassword    string        `mapstructure:"proxy-password" yaml:"proxy-password"`
	Headers          []string      `mapstructure:"header" yaml:"header"`
	BufferSize       int           `mapstructure:"buffer-size" yaml:"buffer-size"`
	Retries          int           `mapstructure:"retries" yaml:"retries"`
	LogFile          string        `mapstructure:"log-file" yaml:"log-file"`
	Debug            bool          `mapstructure:"debug" yaml:"debug"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connections", utils.DefaultConnections)
	v.SetDefault("workers", 1)
	v.SetDefault("timeout", 3*time.Minute)
	v.SetDefault("keep-alive-timeout", 90*time.Second)
	v.SetDefault("user-agent", utils.ToolUserAgent)
	v.SetDefault("buffer-size", utils.DefaultBufferSize)
	v.SetDefault("retries", utils.DefaultMaxRetries)
	v.SetDefault("log-file", utils.LogFile)
}

// Load merges defaults, the optional YAML config file at path, RANGEDL_*
// environment variables and explicitly set flags, in increasing precedence.
func Load(flags *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Connections <= 0 {
		return utils.NewError(utils.KindInvalidArgument, nil, "connections must be at least 1, got %d", c.Connections)
	}
	if c.Workers <= 0 {
		return utils.NewError(utils.KindInvalidArgument, nil, "workers must be at least 1, got %d", c.Workers)
	}
	if c.BufferSize <= 0 {
		return utils.NewError(utils.KindInvalidArgument, nil, "buffer-size must be positive, got %d", c.BufferSize)
	}
	if c.Retries < 0 {
		return utils.NewError(utils.KindInvalidArgument, nil, "retries must not be negative, got %d", c.Retries)
	}
	return nil
}

// HTTPClientConfig builds the client settings. Credentials embedded in the
// proxy URL are moved to the username and password fields unless those are set.
func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	proxyURL, proxyUsername, proxyPassword := c.Proxy, c.ProxyUsername, c.ProxyPassword
	if parsed, err := url.Parse(proxyURL); err == nil && parsed.User != nil && proxyUsername == "" {
		proxyUsername = parsed.User.Username()
		if password, set := parsed.User.Password(); set {
			proxyPassword = password
		}
		parsed.User = nil
		proxyURL = parsed.String()
	}
	return utils.HTTPClientConfig{
		Timeout:       c.Timeout,
		KATimeout:     c.KeepAliveTimeout,
		ProxyURL:      proxyURL,
		ProxyUsername: proxyUsername,
		ProxyPassword: proxyPassword,
		UserAgent:     userAgent,
		Headers:       utils.ParseHeaderArgs(c.Headers),
	}
}

// Job builds a download job for link using the configured engine settings.
func (c *Config) Job(link, outputPath string) utils.RangeJob {
	return utils.RangeJob{
		JobType:          "http",
		URL:              link,
		OutputPath:       outputPath,
		Connections:      c.Connections,
		BufferSize:       c.BufferSize,
		MaxRetries:       c.Retries,
		HTTPClientConfig: c.HTTPClientConfig(),
		Metadata:         make(map[string]any),
	}
}
