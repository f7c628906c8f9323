package verifier

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meld/authcore/internal/platform/ratelimiter"
	"meld/authcore/internal/revocation"
)

// DaemonConfig is the on-disk shape of the verifier daemon's
// configuration. Optional booleans are pointers so "absent" and "false"
// stay distinguishable during the merge.
type DaemonConfig struct {
	Server     ServerFileConfig     `yaml:"server"`
	Auth       AuthFileConfig       `yaml:"auth"`
	Revocation RevocationFileConfig `yaml:"revocation"`
	Announce   AnnounceFileConfig   `yaml:"announce"`
}

type ServerFileConfig struct {
	Listen     string  `yaml:"listen"`
	PerIPRPS   float64 `yaml:"perIpRps"`
	PerIPBurst int     `yaml:"perIpBurst"`
}

type AuthFileConfig struct {
	RelyingPartyID string   `yaml:"relyingPartyId"`
	ChallengeTTL   duration `yaml:"challengeTtl"`
	WindowLimit    int      `yaml:"windowLimit"`
	Window         duration `yaml:"window"`
	MinSpacing     duration `yaml:"minSpacing"`
	NonceMaxAge    duration `yaml:"nonceMaxAge"`
}

type RevocationFileConfig struct {
	Channel         string   `yaml:"channel"`
	Gateways        []string `yaml:"gateways"`
	TrustBundlePath string   `yaml:"trustBundlePath"`
	CachePath       string   `yaml:"cachePath"`
	RefreshInterval duration `yaml:"refreshInterval"`
	StaleWindow     duration `yaml:"staleWindow"`
	FetchTimeout    duration `yaml:"fetchTimeout"`
}

// duration accepts Go duration strings ("90s", "24h") in yaml.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

type AnnounceFileConfig struct {
	Transport      string   `yaml:"transport"`
	Port           int      `yaml:"port"`
	BootstrapNodes []string `yaml:"bootstrapNodes"`
	Enabled        *bool    `yaml:"enabled"`
}

// Settings is the merged runtime configuration.
type Settings struct {
	Listen          string
	PerIPRPS        float64
	PerIPBurst      int
	RelyingPartyID  string
	ChallengeTTL    time.Duration
	Limiter         ratelimiter.SlidingConfig
	NonceMaxAge     time.Duration
	Channel         string
	Gateways        []string
	TrustBundlePath string
	CachePath       string
	RefreshInterval time.Duration
	StaleWindow     time.Duration
	FetchTimeout    time.Duration
	AnnounceEnabled bool
	Announce        revocation.AnnounceConfig
}

func DefaultSettings() Settings {
	return Settings{
		Listen:          "127.0.0.1:8470",
		PerIPRPS:        20,
		PerIPBurst:      40,
		ChallengeTTL:    60 * time.Second,
		Limiter:         ratelimiter.DefaultSlidingConfig(),
		NonceMaxAge:     5 * time.Minute,
		Channel:         "meld-revocations",
		RefreshInterval: 5 * time.Minute,
		StaleWindow:     24 * time.Hour,
		FetchTimeout:    15 * time.Second,
		AnnounceEnabled: true,
		Announce:        revocation.DefaultAnnounceConfig(),
	}
}

// LoadFromPath merges defaults, the first readable config file and the
// MELD_* environment overrides, in that order.
func LoadFromPath(configPath string) Settings {
	cfg := DefaultSettings()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/verifier.yaml",
			"/etc/meld/verifier.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	cfg.Announce.Channel = cfg.Channel
	return cfg
}

func Merge(dst *Settings, src DaemonConfig) {
	if src.Server.Listen != "" {
		dst.Listen = src.Server.Listen
	}
	if src.Server.PerIPRPS != 0 {
		dst.PerIPRPS = src.Server.PerIPRPS
	}
	if src.Server.PerIPBurst != 0 {
		dst.PerIPBurst = src.Server.PerIPBurst
	}
	if src.Auth.RelyingPartyID != "" {
		dst.RelyingPartyID = src.Auth.RelyingPartyID
	}
	if src.Auth.ChallengeTTL != 0 {
		dst.ChallengeTTL = time.Duration(src.Auth.ChallengeTTL)
	}
	if src.Auth.WindowLimit != 0 {
		dst.Limiter.MaxRequests = src.Auth.WindowLimit
	}
	if src.Auth.Window != 0 {
		dst.Limiter.Window = time.Duration(src.Auth.Window)
	}
	if src.Auth.MinSpacing != 0 {
		dst.Limiter.MinSpacing = time.Duration(src.Auth.MinSpacing)
	}
	if src.Auth.NonceMaxAge != 0 {
		dst.NonceMaxAge = time.Duration(src.Auth.NonceMaxAge)
	}
	if src.Revocation.Channel != "" {
		dst.Channel = src.Revocation.Channel
	}
	if src.Revocation.Gateways != nil {
		dst.Gateways = src.Revocation.Gateways
	}
	if src.Revocation.TrustBundlePath != "" {
		dst.TrustBundlePath = src.Revocation.TrustBundlePath
	}
	if src.Revocation.CachePath != "" {
		dst.CachePath = src.Revocation.CachePath
	}
	if src.Revocation.RefreshInterval != 0 {
		dst.RefreshInterval = time.Duration(src.Revocation.RefreshInterval)
	}
	if src.Revocation.StaleWindow != 0 {
		dst.StaleWindow = time.Duration(src.Revocation.StaleWindow)
	}
	if src.Revocation.FetchTimeout != 0 {
		dst.FetchTimeout = time.Duration(src.Revocation.FetchTimeout)
	}
	if src.Announce.Transport != "" {
		dst.Announce.Transport = src.Announce.Transport
	}
	if src.Announce.Port != 0 {
		dst.Announce.Port = src.Announce.Port
	}
	if src.Announce.BootstrapNodes != nil {
		dst.Announce.BootstrapNodes = src.Announce.BootstrapNodes
	}
	if src.Announce.Enabled != nil {
		dst.AnnounceEnabled = *src.Announce.Enabled
	}
}

func ApplyEnvOverrides(cfg *Settings) {
	if v := envString("MELD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := envString("MELD_RELYING_PARTY_ID"); v != "" {
		cfg.RelyingPartyID = v
	}
	if v := envString("MELD_REVOCATION_CHANNEL"); v != "" {
		cfg.Channel = v
	}
	if v := envCSV("MELD_REVOCATION_GATEWAYS"); v != nil {
		cfg.Gateways = v
	}
	if v := envString("MELD_TRUST_BUNDLE"); v != "" {
		cfg.TrustBundlePath = v
	}
	if v := envString("MELD_CACHE_PATH"); v != "" {
		cfg.CachePath = v
	}
	if v := envString("MELD_ANNOUNCE_TRANSPORT"); v != "" {
		cfg.Announce.Transport = v
	}
	if raw := envString("MELD_ANNOUNCE_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AnnounceEnabled = v
		}
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
