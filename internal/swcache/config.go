package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		// MaxEntry caps the body size written through to a partition.
		MaxEntry string `yaml:"maxEntry"`

		ramMax   int64
		maxEntry int64
	} `yaml:"storage"`

	// Generation is embedded in every store name; bumping it retires the
	// previous generation's stores on the next activation.
	Generation string     `yaml:"generation"`
	Partitions Partitions `yaml:"partitions"`

	// Retain lists the logical partitions kept across activation.
	Retain []string `yaml:"retain"`

	Eviction struct {
		Partition string `yaml:"partition"`
		// Ceiling is the entry count kept after a pass; unset means 100 and
		// 0 empties the partition.
		Ceiling   *int   `yaml:"ceiling"`
		Every     string `yaml:"every"`

		ceiling  int
		everyDur time.Duration
	} `yaml:"eviction"`

	Network struct {
		// Timeout bounds every network fetch. Empty means unbounded.
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Routes Routes `yaml:"routes"`

	Precache struct {
		Manifest        []string `yaml:"manifest"`
		OfflineDocument string   `yaml:"offlineDocument"`
		Sitemaps        []string `yaml:"sitemaps"`
		// Concurrency bounds parallel fetches during install.
		Concurrency     int      `yaml:"concurrency"`
	} `yaml:"precache"`

	Push struct {
		Icon          string `yaml:"icon"`
		Badge         string `yaml:"badge"`
		FallbackTitle string `yaml:"fallbackTitle"`
		FallbackBody  string `yaml:"fallbackBody"`
		// Keep and TTL bound the shown notifications remembered for clicks.
		Keep          int    `yaml:"keep"`
		TTL           string `yaml:"ttl"`

		ttlDur time.Duration
	} `yaml:"push"`

	Share struct {
		Path     string `yaml:"path"`
		Redirect string `yaml:"redirect"`
		Key      string `yaml:"key"`
	} `yaml:"share"`

	Sync struct {
		Tag        string `yaml:"tag"`
		ProbeEvery string `yaml:"probeEvery"`

		probeEveryDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	originURL *url.URL
}

type Partitions struct {
	Static     PartitionConfig `yaml:"static"`
	Dynamic    PartitionConfig `yaml:"dynamic"`
	Images     PartitionConfig `yaml:"images"`
	API        PartitionConfig `yaml:"api"`
	Navigation PartitionConfig `yaml:"navigation"`
}

type PartitionConfig struct {
	Name       string `yaml:"name"`
	Expiration string `yaml:"expiration"`

	expDur time.Duration
}

// Routes feeds the classifier. The order the rules are evaluated in is
// fixed in code; only the values they test are configurable.
type Routes struct {
	APIRoot         string   `yaml:"apiRoot"`
	ImagesNamespace string   `yaml:"imagesNamespace"`
	ImageExtensions []string `yaml:"imageExtensions"`
	Marketplace     []string `yaml:"marketplace"`
	Account         []string `yaml:"account"`
	Notifications   []string `yaml:"notifications"`
	ExternalHosts   []string `yaml:"externalHosts"`
	CacheableAPI    []string `yaml:"cacheableAPI"`
}

// DefaultConfig returns the built-in table. Origin is left empty.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = "64mb"
	}
	if c.Storage.MaxEntry == "" {
		c.Storage.MaxEntry = "8mb"
	}
	if c.Generation == "" {
		c.Generation = "v1"
	}
	defName(&c.Partitions.Static, "static")
	defName(&c.Partitions.Dynamic, "dynamic")
	defName(&c.Partitions.Images, "images")
	defName(&c.Partitions.API, "api")
	defName(&c.Partitions.Navigation, "navigation")
	if len(c.Retain) == 0 {
		c.Retain = []string{c.Partitions.Static.Name, c.Partitions.Dynamic.Name}
	}
	if c.Eviction.Partition == "" {
		c.Eviction.Partition = c.Partitions.Dynamic.Name
	}
	if c.Eviction.Ceiling == nil {
		ceiling := 100
		c.Eviction.Ceiling = &ceiling
	}
	if c.Eviction.Every == "" {
		c.Eviction.Every = "5m"
	}

	r := &c.Routes
	if r.APIRoot == "" {
		r.APIRoot = "/api/"
	}
	if r.ImagesNamespace == "" {
		r.ImagesNamespace = "/images/"
	}
	if r.ImageExtensions == nil {
		r.ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif"}
	}
	if r.Marketplace == nil {
		r.Marketplace = []string{"/marketplace", "/products"}
	}
	if r.Account == nil {
		r.Account = []string{"/user", "/users", "/account", "/profile"}
	}
	if r.Notifications == nil {
		r.Notifications = []string{"/notifications", "/rewards"}
	}
	if r.ExternalHosts == nil {
		r.ExternalHosts = []string{"api.stripe.com", "api.paystack.co", "api.coingecko.com", "supabase.co", "firebaseio.com"}
	}

	p := &c.Precache
	if p.OfflineDocument == "" {
		p.OfflineDocument = "/offline.html"
	}
	if p.Manifest == nil {
		p.Manifest = []string{"/", "/index.html", "/manifest.json", p.OfflineDocument}
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}

	if c.Push.Icon == "" {
		c.Push.Icon = "/icons/icon-192x192.png"
	}
	if c.Push.Badge == "" {
		c.Push.Badge = "/icons/badge-72x72.png"
	}
	if c.Push.FallbackTitle == "" {
		c.Push.FallbackTitle = "New notification"
	}
	if c.Push.FallbackBody == "" {
		c.Push.FallbackBody = "You have a new update."
	}
	if c.Push.Keep == 0 {
		c.Push.Keep = 256
	}
	if c.Push.TTL == "" {
		c.Push.TTL = "168h"
	}

	if c.Share.Path == "" {
		c.Share.Path = "/share-target"
	}
	if c.Share.Redirect == "" {
		c.Share.Redirect = "/create?shared=true"
	}
	if c.Share.Key == "" {
		c.Share.Key = "/shared-content"
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = "background-sync"
	}
}

func defName(p *PartitionConfig, name string) {
	if p.Name == "" {
		p.Name = name
	}
}

// Compile applies defaults, validates and parses every duration and size.
// Origin is optional here; the host binary requires it.
func (c *Config) Compile() error {
	c.applyDefaults()

	if c.Server.Origin != "" {
		c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
		u, err := url.Parse(c.Server.Origin)
		if err != nil {
			return fmt.Errorf("server.origin: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server.origin: unsupported scheme %q", u.Scheme)
		}
		c.originURL = u
	}

	var err error
	if c.Storage.ramMax, err = parseBytes(c.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if c.Storage.maxEntry, err = parseBytes(c.Storage.MaxEntry); err != nil {
		return fmt.Errorf("storage.maxEntry: %w", err)
	}

	if *c.Eviction.Ceiling < 0 {
		return fmt.Errorf("eviction.ceiling: must not be negative")
	}
	c.Eviction.ceiling = *c.Eviction.Ceiling
	if c.Push.Keep < 0 {
		return fmt.Errorf("push.keep: must not be negative")
	}
	if c.Push.ttlDur, err = parseOptionalDuration(c.Push.TTL); err != nil {
		return fmt.Errorf("push.ttl: %w", err)
	}
	if c.Eviction.everyDur, err = parseOptionalDuration(c.Eviction.Every); err != nil {
		return fmt.Errorf("eviction.every: %w", err)
	}
	if c.Network.timeoutDur, err = parseOptionalDuration(c.Network.Timeout); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if c.Sync.probeEveryDur, err = parseOptionalDuration(c.Sync.ProbeEvery); err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}
	if c.Logging.logStatsEveryDur, err = parseOptionalDuration(c.Logging.LogStatsEvery); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	for _, p := range c.Partitions.all() {
		if p.expDur, err = parseOptionalDuration(p.Expiration); err != nil {
			return fmt.Errorf("partitions.%s.expiration: %w", p.Name, err)
		}
	}

	if !strings.HasPrefix(c.Routes.APIRoot, "/") {
		return fmt.Errorf("routes.apiRoot: must start with /")
	}
	if !strings.HasPrefix(c.Share.Path, "/") {
		return fmt.Errorf("share.path: must start with /")
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (p *Partitions) all() []*PartitionConfig {
	return []*PartitionConfig{&p.Static, &p.Dynamic, &p.Images, &p.API, &p.Navigation}
}

// StoreName returns the physical store name for a logical partition.
func (c *Config) StoreName(partition string) string {
	return partition + "-" + c.Generation
}

// RetainedStores is the set of store names that survive activation.
func (c *Config) RetainedStores() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Retain))
	for _, p := range c.Retain {
		out[c.StoreName(p)] = struct{}{}
	}
	return out
}

func (c *Config) expiration(partition string) time.Duration {
	for _, p := range c.Partitions.all() {
		if p.Name == partition {
			return p.expDur
		}
	}
	return 0
}

// resolve turns a path or absolute URL into an absolute URL against the
// configured origin.
func (c *Config) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if u.IsAbs() || c.originURL == nil {
		return u, nil
	}
	return c.originURL.ResolveReference(u), nil
}
