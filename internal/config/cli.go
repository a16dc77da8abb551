package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

// ServiceDiscoveryKind selects the discovery variant (§4.1).
type ServiceDiscoveryKind string

const (
	DiscoveryStatic  ServiceDiscoveryKind = "static"
	DiscoveryCluster ServiceDiscoveryKind = "k8s"
)

// RoutingLogic selects the affinity policy (§4.4).
type RoutingLogic string

const (
	RoutingRoundRobin    RoutingLogic = "roundrobin"
	RoutingSession       RoutingLogic = "session"
	RoutingLongestPrefix RoutingLogic = "prefixaware"
	RoutingSimhash       RoutingLogic = "simhash"
	RoutingLowestQPS     RoutingLogic = "lowestqps"
	RoutingWeighted      RoutingLogic = "weighted"
	RoutingKVCache       RoutingLogic = "kvcache"
	RoutingDisaggregated RoutingLogic = "disaggregated"
)

// Config is the fully parsed, validated set of command-line flags
// (§6 "CLI"). It is built once in cmd/router/main.go and passed down
// by construction.
type Config struct {
	Host string
	Port int

	ServiceDiscovery ServiceDiscoveryKind

	StaticBackends []string // parallel to StaticModels
	StaticModels   []string // one entry per backend; "m1|m2" for a multi-model backend
	StaticAliases  map[string]string

	K8sPort          int
	K8sNamespace     string
	K8sLabelSelector string

	RoutingLogic     RoutingLogic
	SessionKey       string
	WeightedWeights  map[string]int // url -> static weight, for --routing-logic=weighted

	EngineStatsInterval Duration
	RequestStatsWindow  Duration

	LogStats         bool
	LogStatsInterval Duration

	MaxFailoverAttempts   int
	AdmissionQueueEnabled bool
	AdmissionMaxRunning   int
	AdmissionMaxCacheUsed float64
	AdmissionMaxQueueWait Duration
	KVReadyBind           string

	DisaggregatedPrefillURL string
	DisaggregatedDecodeURL  string

	AdminToken string
}

// Parse parses os.Args-equivalent args into a validated Config,
// returning an error on an invalid combination (e.g. static discovery
// without --static-backends); cmd/router/main.go exits non-zero on it.
func Parse(appName, version string, args []string) (*Config, error) {
	app := kingpin.New(appName, "OpenAI-compatible request router for a fleet of inference engines")
	app.Version(version)

	cfg := &Config{StaticAliases: map[string]string{}}

	host := app.Flag("host", "bind host").Default("0.0.0.0").String()
	port := app.Flag("port", "bind port").Default("8000").Int()

	discovery := app.Flag("service-discovery", "static or k8s").Required().Enum("static", "k8s")
	staticBackends := app.Flag("static-backends", "comma-separated backend URLs").String()
	staticModels := app.Flag("static-models", "comma-separated model names, one per backend ('|'-joined if multi-model)").String()
	staticAliases := app.Flag("static-aliases", `alias map, "alias:canonical,alias2:canonical2"`).String()

	k8sPort := app.Flag("k8s-port", "port engines listen on inside the cluster").Default("8000").Int()
	k8sNamespace := app.Flag("k8s-namespace", "namespace to watch").Default("default").String()
	k8sLabelSelector := app.Flag("k8s-label-selector", "label selector for engine pods").Default("").String()

	routingLogic := app.Flag("routing-logic", "affinity policy").Default("roundrobin").
		Enum("roundrobin", "session", "prefixaware", "simhash", "lowestqps", "weighted", "kvcache", "disaggregated")
	sessionKey := app.Flag("session-key", "header used for session affinity").Default("x-user-id").String()
	weightedEndpoints := app.Flag("weighted-endpoints", `static weights, "url:weight,url2:weight2", for --routing-logic=weighted`).String()

	engineStatsInterval := app.Flag("engine-stats-interval", "engine stats scrape interval").Default("10s").String()
	requestStatsWindow := app.Flag("request-stats-window", "sliding window size").Default("60s").String()

	logStats := app.Flag("log-stats", "enable debug-level stats logging").Bool()
	logStatsInterval := app.Flag("log-stats-interval", "stats log interval").Default("30s").String()

	maxFailoverAttempts := app.Flag("max-failover-attempts", "upstream connect/5xx retry budget").Default("3").Int()
	admissionQueueEnabled := app.Flag("admission-queue-enabled", "enable per-endpoint admission queue").Bool()
	admissionMaxRunning := app.Flag("admission-max-running-requests", "admission 'free' predicate: R_max").Default("64").Int()
	admissionMaxCacheUsed := app.Flag("admission-max-cache-usage", "admission 'free' predicate: U_max").Default("0.9").Float64()
	admissionMaxQueueWait := app.Flag("admission-max-queue-wait", "reroute a waiter once it has waited this long").Default("30s").String()
	kvReadyBind := app.Flag("kv-ready-bind", "bind address for the KV-ready side channel").Default("0.0.0.0:9600").String()

	disaggPrefillURL := app.Flag("disaggregated-prefill-url", "prefill engine base URL, for --routing-logic=disaggregated").Default("").String()
	disaggDecodeURL := app.Flag("disaggregated-decode-url", "decode engine base URL, for --routing-logic=disaggregated").Default("").String()

	adminToken := app.Flag("admin-token", "bearer token required for /sleep and /wake_up").Default("").String()

	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	cfg.Host = *host
	cfg.Port = *port
	cfg.ServiceDiscovery = ServiceDiscoveryKind(*discovery)
	cfg.K8sPort = *k8sPort
	cfg.K8sNamespace = *k8sNamespace
	cfg.K8sLabelSelector = *k8sLabelSelector
	cfg.RoutingLogic = RoutingLogic(*routingLogic)
	cfg.SessionKey = *sessionKey
	cfg.LogStats = *logStats
	cfg.MaxFailoverAttempts = *maxFailoverAttempts
	cfg.AdmissionQueueEnabled = *admissionQueueEnabled
	cfg.AdmissionMaxRunning = *admissionMaxRunning
	cfg.AdmissionMaxCacheUsed = *admissionMaxCacheUsed
	cfg.KVReadyBind = *kvReadyBind
	cfg.DisaggregatedPrefillURL = *disaggPrefillURL
	cfg.DisaggregatedDecodeURL = *disaggDecodeURL
	cfg.AdminToken = *adminToken

	if err := cfg.EngineStatsInterval.Set(*engineStatsInterval); err != nil {
		return nil, fmt.Errorf("--engine-stats-interval: %w", err)
	}
	if err := cfg.RequestStatsWindow.Set(*requestStatsWindow); err != nil {
		return nil, fmt.Errorf("--request-stats-window: %w", err)
	}
	if err := cfg.LogStatsInterval.Set(*logStatsInterval); err != nil {
		return nil, fmt.Errorf("--log-stats-interval: %w", err)
	}
	if err := cfg.AdmissionMaxQueueWait.Set(*admissionMaxQueueWait); err != nil {
		return nil, fmt.Errorf("--admission-max-queue-wait: %w", err)
	}

	if *staticBackends != "" {
		cfg.StaticBackends = splitNonEmpty(*staticBackends, ",")
	}
	if *staticModels != "" {
		cfg.StaticModels = splitNonEmpty(*staticModels, ",")
	}
	if *staticAliases != "" {
		for _, pair := range splitNonEmpty(*staticAliases, ",") {
			alias, canonical, ok := strings.Cut(pair, ":")
			if !ok {
				return nil, fmt.Errorf("--static-aliases: malformed pair %q", pair)
			}
			cfg.StaticAliases[alias] = canonical
		}
	}
	if *weightedEndpoints != "" {
		cfg.WeightedWeights = map[string]int{}
		for _, pair := range splitNonEmpty(*weightedEndpoints, ",") {
			url, weightStr, ok := strings.Cut(pair, ":")
			if !ok {
				return nil, fmt.Errorf("--weighted-endpoints: malformed pair %q", pair)
			}
			weight, err := strconv.Atoi(weightStr)
			if err != nil {
				return nil, fmt.Errorf("--weighted-endpoints: %w", err)
			}
			cfg.WeightedWeights[url] = weight
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := CheckAdminTokenStrength(cfg.AdminToken); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ServiceDiscovery {
	case DiscoveryStatic:
		if len(c.StaticBackends) == 0 {
			return fmt.Errorf("--service-discovery=static requires --static-backends")
		}
		if len(c.StaticModels) != len(c.StaticBackends) {
			return fmt.Errorf("--static-models must have one entry per --static-backends entry")
		}
	case DiscoveryCluster:
		if c.K8sNamespace == "" {
			return fmt.Errorf("--service-discovery=k8s requires --k8s-namespace")
		}
	default:
		return fmt.Errorf("unknown --service-discovery %q", c.ServiceDiscovery)
	}
	if c.RoutingLogic == RoutingSession && c.SessionKey == "" {
		return fmt.Errorf("--routing-logic=session requires --session-key")
	}
	if c.RoutingLogic == RoutingDisaggregated && (c.DisaggregatedPrefillURL == "" || c.DisaggregatedDecodeURL == "") {
		return fmt.Errorf("--routing-logic=disaggregated requires --disaggregated-prefill-url and --disaggregated-decode-url")
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
