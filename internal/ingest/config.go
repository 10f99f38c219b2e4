package ingest

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// DuplicatePolicy decides what happens when a second publisher claims a key
// that is already live.
type DuplicatePolicy string

const (
	// DuplicateReject refuses the newcomer; the existing publisher keeps the key.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateReplace disconnects the existing publisher in favour of the newcomer.
	DuplicateReplace DuplicatePolicy = "replace"
)

// Config describes the embedded ingest gateway.
type Config struct {
	RTMPAddr string
	HTTPAddr string
	// PublicHost is advertised in rtmp-config URLs. Defaults to localhost.
	PublicHost string
	// ChunkSize is the RTMP chunk size advertised to operators.
	ChunkSize int
	// GOPCache starts new players from the most recent cached keyframe group.
	GOPCache bool
	// Ping is the keepalive interval advertised to operators.
	Ping time.Duration
	// PingTimeout disconnects publishers that send nothing for this long.
	PingTimeout time.Duration
	// MediaRoot holds transcoder output served under /live/.
	MediaRoot     string
	AllowOrigin   string
	TranscodeHLS  bool
	TranscodeDASH bool
	// PublishSecretHash is a bcrypt hash publishers must match with ?secret=.
	// Empty disables the check.
	PublishSecretHash string
	DuplicatePolicy   DuplicatePolicy
	// MaxStreamKeyLength bounds the accepted key length.
	MaxStreamKeyLength int
}

// DefaultConfig mirrors the ports and timings documented for operators.
func DefaultConfig() Config {
	return Config{
		RTMPAddr:           ":1935",
		HTTPAddr:           ":8000",
		PublicHost:         "localhost",
		ChunkSize:          60000,
		GOPCache:           true,
		Ping:               30 * time.Second,
		PingTimeout:        60 * time.Second,
		MediaRoot:          "./media",
		AllowOrigin:        "*",
		TranscodeHLS:       true,
		DuplicatePolicy:    DuplicateReject,
		MaxStreamKeyLength: 128,
	}
}

// LoadConfigFromEnv starts from DefaultConfig and applies RELAYCAST_* overrides.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if port := env("RELAYCAST_RTMP_PORT"); port != "" {
		cfg.RTMPAddr = ":" + port
	}
	if port := env("RELAYCAST_HTTP_PORT"); port != "" {
		cfg.HTTPAddr = ":" + port
	}
	if host := env("RELAYCAST_PUBLIC_HOST"); host != "" {
		cfg.PublicHost = host
	}
	if root := env("RELAYCAST_MEDIA_ROOT"); root != "" {
		cfg.MediaRoot = root
	}
	if origin := env("RELAYCAST_MEDIA_ALLOW_ORIGIN"); origin != "" {
		cfg.AllowOrigin = origin
	}
	cfg.PublishSecretHash = env("RELAYCAST_PUBLISH_SECRET_HASH")
	if policy := env("RELAYCAST_DUPLICATE_POLICY"); policy != "" {
		cfg.DuplicatePolicy = DuplicatePolicy(strings.ToLower(policy))
	}

	var err error
	if cfg.ChunkSize, err = envInt("RELAYCAST_CHUNK_SIZE", cfg.ChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.Ping, err = envSeconds("RELAYCAST_PING", cfg.Ping); err != nil {
		return Config{}, err
	}
	if cfg.PingTimeout, err = envSeconds("RELAYCAST_PING_TIMEOUT", cfg.PingTimeout); err != nil {
		return Config{}, err
	}
	if cfg.GOPCache, err = envBool("RELAYCAST_GOP_CACHE", cfg.GOPCache); err != nil {
		return Config{}, err
	}
	if cfg.TranscodeHLS, err = envBool("RELAYCAST_TRANSCODE_HLS", cfg.TranscodeHLS); err != nil {
		return Config{}, err
	}
	if cfg.TranscodeDASH, err = envBool("RELAYCAST_TRANSCODE_DASH", cfg.TranscodeDASH); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.RTMPAddr == "" {
		return errors.New("rtmp address is required")
	}
	if _, _, err := net.SplitHostPort(c.RTMPAddr); err != nil {
		return fmt.Errorf("invalid rtmp address %q: %w", c.RTMPAddr, err)
	}
	if c.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
			return fmt.Errorf("invalid media http address %q: %w", c.HTTPAddr, err)
		}
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}
	if c.PingTimeout < 0 || c.Ping < 0 {
		return errors.New("ping intervals cannot be negative")
	}
	switch c.DuplicatePolicy {
	case DuplicateReject, DuplicateReplace:
	default:
		return fmt.Errorf("unknown duplicate policy %q", c.DuplicatePolicy)
	}
	if c.PublishSecretHash != "" && !strings.HasPrefix(c.PublishSecretHash, "$2") {
		return errors.New("publish secret hash must be a bcrypt hash")
	}
	return nil
}

// RTMPPort returns the numeric port of RTMPAddr.
func (c Config) RTMPPort() int {
	return portOf(c.RTMPAddr)
}

// HTTPPort returns the numeric port of HTTPAddr.
func (c Config) HTTPPort() int {
	return portOf(c.HTTPAddr)
}

// PublishURL is the base URL encoders publish to; the stream key is appended.
func (c Config) PublishURL() string {
	host := c.PublicHost
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("rtmp://%s/live", net.JoinHostPort(host, strconv.Itoa(c.RTMPPort())))
}

// MediaBaseURL is the base URL of the media HTTP server.
func (c Config) MediaBaseURL() string {
	host := c.PublicHost
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.HTTPPort()))
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envInt(name string, fallback int) (int, error) {
	raw := env(name)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

// envSeconds accepts either a Go duration ("45s") or a bare number of seconds.
func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	raw := env(name)
	if raw == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

func envBool(name string, fallback bool) (bool, error) {
	raw := env(name)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}
