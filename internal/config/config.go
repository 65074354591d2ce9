// Package config handles application configuration.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"videorelay/internal/proxy"
	"videorelay/internal/upstream"
)

// Config stores all configuration parameters.
type Config struct {
	VideoURL            string        `yaml:"video_url"`
	ListenAddr          string        `yaml:"listen_addr"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	RetryConnectTimeout time.Duration `yaml:"retry_connect_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	MaxRedirects        int           `yaml:"max_redirects"`
	ChunkSize           int           `yaml:"chunk_size"`
	UpstreamProxy       string        `yaml:"upstream_proxy"`
	ConfigFile          string        `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	t := upstream.DefaultTimeouts()
	return &Config{
		ListenAddr:          proxy.DefaultListenAddr,
		ConnectTimeout:      t.Connect,
		RetryConnectTimeout: t.RetryConnect,
		ReadTimeout:         t.Read,
		MaxRedirects:        upstream.DefaultMaxRedirects,
		ChunkSize:           proxy.DefaultChunkSize,
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// environment variables and finally the command-line args, each overriding
// the previous.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("videorelay", flag.ContinueOnError)

	var f Config
	fs.StringVar(&f.ConfigFile, "config", "", "Path to a YAML config file.")
	fs.StringVar(&f.VideoURL, "url", "", "Remote video URL to proxy (required).")
	fs.StringVar(&f.ListenAddr, "listen", "", "Local listen address (default 127.0.0.1:0).")
	fs.DurationVar(&f.ConnectTimeout, "connect-timeout", 0, "Connect timeout of the first attempt.")
	fs.DurationVar(&f.RetryConnectTimeout, "retry-connect-timeout", 0, "Connect timeout of the retry after a timeout.")
	fs.DurationVar(&f.ReadTimeout, "read-timeout", 0, "Read timeout for upstream responses and local requests.")
	fs.IntVar(&f.MaxRedirects, "max-redirects", 0, "Maximum redirect hops per request.")
	fs.IntVar(&f.ChunkSize, "chunk-size", 0, "Body relay chunk size in bytes.")
	fs.StringVar(&f.UpstreamProxy, "upstream-proxy", "", "socks5:// proxy for upstream connections.")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	path := f.ConfigFile
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.merge(&f)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.merge(&fromFile)
	return nil
}

func (c *Config) applyEnv() error {
	var env Config
	env.VideoURL = os.Getenv("VIDEO_URL")
	env.ListenAddr = os.Getenv("LISTEN_ADDR")
	env.UpstreamProxy = os.Getenv("UPSTREAM_PROXY")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CONNECT_TIMEOUT", &env.ConnectTimeout},
		{"RETRY_CONNECT_TIMEOUT", &env.RetryConnectTimeout},
		{"READ_TIMEOUT", &env.ReadTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_REDIRECTS", &env.MaxRedirects},
		{"CHUNK_SIZE", &env.ChunkSize},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = parsed
		}
	}

	c.merge(&env)
	return nil
}

// merge copies every non-zero field of o into c.
func (c *Config) merge(o *Config) {
	if o.VideoURL != "" {
		c.VideoURL = o.VideoURL
	}
	if o.ListenAddr != "" {
		c.ListenAddr = o.ListenAddr
	}
	if o.ConnectTimeout != 0 {
		c.ConnectTimeout = o.ConnectTimeout
	}
	if o.RetryConnectTimeout != 0 {
		c.RetryConnectTimeout = o.RetryConnectTimeout
	}
	if o.ReadTimeout != 0 {
		c.ReadTimeout = o.ReadTimeout
	}
	if o.MaxRedirects != 0 {
		c.MaxRedirects = o.MaxRedirects
	}
	if o.ChunkSize != 0 {
		c.ChunkSize = o.ChunkSize
	}
	if o.UpstreamProxy != "" {
		c.UpstreamProxy = o.UpstreamProxy
	}
}

// Validate checks the configuration for values the proxy cannot run with.
func (c *Config) Validate() error {
	if c.VideoURL == "" {
		return errors.New("video URL is required, set it with -url or VIDEO_URL")
	}
	u, err := url.Parse(c.VideoURL)
	if err != nil {
		return fmt.Errorf("invalid video URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid video URL %q: want an http or https URL", c.VideoURL)
	}
	if c.ConnectTimeout <= 0 || c.RetryConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.MaxRedirects <= 0 {
		return fmt.Errorf("max redirects must be positive, got %d", c.MaxRedirects)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	return nil
}

// SenderOptions maps the configuration onto upstream.Options.
func (c *Config) SenderOptions() upstream.Options {
	return upstream.Options{
		Timeouts: upstream.Timeouts{
			Connect:      c.ConnectTimeout,
			RetryConnect: c.RetryConnectTimeout,
			Read:         c.ReadTimeout,
		},
		MaxRedirects: c.MaxRedirects,
		ProxyURL:     c.UpstreamProxy,
	}
}

// SessionOptions maps the configuration onto proxy.Options using sender.
func (c *Config) SessionOptions(sender *upstream.Sender) proxy.Options {
	return proxy.Options{
		ListenAddr:  c.ListenAddr,
		Sender:      sender,
		ChunkSize:   c.ChunkSize,
		ReadTimeout: c.ReadTimeout,
	}
}
