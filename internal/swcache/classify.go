package swcache

import (
	"net/http"
	"strings"
)

type Strategy int

const (
	// StrategyPassthrough means the request is not intercepted at all.
	StrategyPassthrough Strategy = iota
	StrategyCacheFirst
	StrategyNetworkFirst
	StrategyStaleWhileRevalidate
	StrategyNetworkOnly
)

func (s Strategy) String() string {
	switch s {
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	case StrategyNetworkOnly:
		return "network-only"
	}
	return "passthrough"
}

// Decision is the classifier's verdict for one request. Partition is a
// logical partition name; Config.StoreName maps it to a store.
type Decision struct {
	Strategy   Strategy
	Partition  string
	Navigation bool
	Rule       string
}

type ruleInput struct {
	method   string
	scheme   string
	host     string
	path     string
	navigate bool
	dest     Destination
}

// StrategyRule is one row of the ordered rule table.
type StrategyRule struct {
	Name       string
	Match      func(in ruleInput) bool
	Strategy   Strategy
	Partition  string
	Navigation bool
}

type Classifier struct {
	rules []StrategyRule
}

// NewClassifier builds the rule table. The first matching rule wins and
// the order below is part of the contract: the image checks run before
// the API checks, so an image under an API path is still an image.
func NewClassifier(cfg *Config) *Classifier {
	rt := cfg.Routes
	p := cfg.Partitions

	underAPI := func(in ruleInput) bool { return strings.HasPrefix(in.path, rt.APIRoot) }
	cacheableAPI := make(map[string]struct{}, len(rt.CacheableAPI))
	for _, path := range rt.CacheableAPI {
		cacheableAPI[path] = struct{}{}
	}

	rules := []StrategyRule{
		{
			Name:     "non-http",
			Strategy: StrategyPassthrough,
			Match: func(in ruleInput) bool {
				return (in.scheme != "http" && in.scheme != "https") || in.method != http.MethodGet
			},
		},
		{
			Name:       "navigation",
			Strategy:   StrategyNetworkFirst,
			Partition:  p.Navigation.Name,
			Navigation: true,
			Match:      func(in ruleInput) bool { return in.navigate },
		},
		{
			Name:      "image-path",
			Strategy:  StrategyCacheFirst,
			Partition: p.Images.Name,
			Match: func(in ruleInput) bool {
				return strings.Contains(in.path, rt.ImagesNamespace) || hasAnySuffix(strings.ToLower(in.path), rt.ImageExtensions)
			},
		},
		{
			Name:      "api-marketplace",
			Strategy:  StrategyStaleWhileRevalidate,
			Partition: p.API.Name,
			Match:     func(in ruleInput) bool { return underAPI(in) && containsAny(in.path, rt.Marketplace) },
		},
		{
			Name:      "api-account",
			Strategy:  StrategyNetworkFirst,
			Partition: p.API.Name,
			Match:     func(in ruleInput) bool { return underAPI(in) && containsAny(in.path, rt.Account) },
		},
		{
			Name:      "api-notifications",
			Strategy:  StrategyStaleWhileRevalidate,
			Partition: p.API.Name,
			Match:     func(in ruleInput) bool { return underAPI(in) && containsAny(in.path, rt.Notifications) },
		},
		{
			Name:     "api-external",
			Strategy: StrategyNetworkOnly,
			Match:    func(in ruleInput) bool { return underAPI(in) && hostMatches(in.host, rt.ExternalHosts) },
		},
		{
			Name:      "api-cacheable",
			Strategy:  StrategyCacheFirst,
			Partition: p.API.Name,
			Match: func(in ruleInput) bool {
				_, ok := cacheableAPI[in.path]
				return underAPI(in) && ok
			},
		},
		{
			// Anything else under the API root stays out of the cache.
			Name:     "api-other",
			Strategy: StrategyPassthrough,
			Match:    underAPI,
		},
		{
			Name:      "image-destination",
			Strategy:  StrategyCacheFirst,
			Partition: p.Images.Name,
			Match:     func(in ruleInput) bool { return in.dest == DestinationImage },
		},
		{
			Name:      "default",
			Strategy:  StrategyCacheFirst,
			Partition: p.Dynamic.Name,
			Match:     func(ruleInput) bool { return true },
		},
	}
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(req *Request) Decision {
	in := ruleInput{
		method:   strings.ToUpper(req.Method),
		navigate: req.IsNavigation(),
		dest:     req.Destination,
	}
	if in.method == "" {
		in.method = http.MethodGet
	}
	if req.URL != nil {
		in.scheme = strings.ToLower(req.URL.Scheme)
		in.host = strings.ToLower(req.URL.Hostname())
		in.path = req.URL.Path
	}
	if in.scheme == "" {
		// Relative references resolve against the origin.
		in.scheme = "http"
	}
	if in.path == "" {
		in.path = "/"
	}
	for _, r := range c.rules {
		if r.Match(in) {
			return Decision{Strategy: r.Strategy, Partition: r.Partition, Navigation: r.Navigation, Rule: r.Name}
		}
	}
	return Decision{Strategy: StrategyPassthrough}
}

// RuleNames lists the table in evaluation order.
func (c *Classifier) RuleNames() []string {
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Name
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if suf != "" && strings.HasSuffix(s, strings.ToLower(suf)) {
			return true
		}
	}
	return false
}

func hostMatches(host string, allow []string) bool {
	for _, h := range allow {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
