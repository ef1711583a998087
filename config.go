package crawler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the configuration instance the rest of the crawler should access
// for global configuration values. See CrawlerConfig for available members.
var Config CrawlerConfig

// ConfigName is the path (can be relative or absolute) to the config file
// that should be read.
var ConfigName = "crawler.yaml"

func init() {
	SetDefaultConfig()
}

// CrawlerConfig defines the available global configuration parameters. It
// reads values straight from the config file (crawler.yaml by default).
// Unknown keys are a fatal configuration error.
type CrawlerConfig struct {
	Fabric struct {
		// Pods lists the per-pod KV store locations, one per pod. The
		// number of pods is fixed for the life of the crawl; changing it
		// requires a full rebuild of the frontier and seen-set.
		Pods []struct {
			KVPath string `yaml:"kv_path"`
		} `yaml:"pods"`
		DataDirs    []string `yaml:"data_dirs"`
		FrontierDir string   `yaml:"frontier_dir"`

		// LogDir, when set, mirrors process logs to <log_dir>/crawler.log.
		LogDir                string `yaml:"log_dir"`
		GlobalCoordinationPod int    `yaml:"global_coordination_pod"`
		StoreRetryAttempts    int    `yaml:"store_retry_attempts"`
		StoreRetryBackoff     string `yaml:"store_retry_backoff"`
	} `yaml:"fabric"`

	Fetcher struct {
		FetchersPerPod       int     `yaml:"fetchers_per_pod"`
		UserAgent            string  `yaml:"user_agent"`
		ContactEmail         string  `yaml:"contact_email"`
		HTTPTimeout          string  `yaml:"http_timeout"`
		HTTPMaxRetries       int     `yaml:"http_max_retries"`
		MaxRedirects         int     `yaml:"max_redirects"`
		MaxContentSizeBytes  int64   `yaml:"max_content_size_bytes"`
		MaxDNSCacheEntries   int     `yaml:"max_dns_cache_entries"`
		MaxFetchesPerSecond  float64 `yaml:"max_fetches_per_second"`
		GraceShutdownTimeout string  `yaml:"grace_shutdown_timeout"`
	} `yaml:"fetcher"`

	Parser struct {
		ParsersPerPod       int `yaml:"parsers_per_pod"`
		ParseQueueSoftLimit int `yaml:"parse_queue_soft_limit"`
		ParseQueueHardLimit int `yaml:"parse_queue_hard_limit"`
		MaxLinksPerPage     int `yaml:"max_links_per_page"`
	} `yaml:"parser"`

	Politeness struct {
		MinDelay                 string `yaml:"min_delay"`
		MaxCrawlDelay            string `yaml:"max_crawl_delay"`
		RobotsCacheTTL           string `yaml:"robots_cache_ttl"`
		ExclusionsFile           string `yaml:"exclusions_file"`
		RobotsMemoryCacheEntries int    `yaml:"robots_memory_cache_entries"`
	} `yaml:"politeness"`

	Coordinator struct {
		SeenCapacity       uint    `yaml:"seen_capacity"`
		SeenErrorRate      float64 `yaml:"seen_error_rate"`
		CheckpointInterval string  `yaml:"checkpoint_interval"`
	} `yaml:"coordinator"`

	Affinity struct {
		EnableCPUAffinity  bool `yaml:"enable_cpu_affinity"`
		CoresPerPod        int  `yaml:"cores_per_pod"`
		FetcherCoresPerPod int  `yaml:"fetcher_cores_per_pod"`
	} `yaml:"affinity"`

	Console struct {
		Enable bool `yaml:"enable"`
		Port   int  `yaml:"port"`
	} `yaml:"console"`

	Metrics struct {
		EnablePrometheus bool `yaml:"enable_prometheus"`
		PrometheusPort   int  `yaml:"prometheus_port"`
	} `yaml:"metrics"`
}

// NumPods returns the configured pod count N.
func (c *CrawlerConfig) NumPods() int { return len(c.Fabric.Pods) }

// NumDataDirs returns the configured content directory count M.
func (c *CrawlerConfig) NumDataDirs() int { return len(c.Fabric.DataDirs) }

// SetDefaultConfig resets the Config object to default values, regardless of
// what was set by any configuration file.
func SetDefaultConfig() {
	Config = CrawlerConfig{}

	Config.Fabric.Pods = nil
	Config.Fabric.DataDirs = nil
	Config.Fabric.FrontierDir = "frontiers"
	Config.Fabric.LogDir = ""
	Config.Fabric.GlobalCoordinationPod = 0
	Config.Fabric.StoreRetryAttempts = 4
	Config.Fabric.StoreRetryBackoff = "100ms"

	Config.Fetcher.FetchersPerPod = 64
	Config.Fetcher.UserAgent = "crawler (https://github.com/andrewkchan/crawler)"
	Config.Fetcher.HTTPTimeout = "30s"
	Config.Fetcher.HTTPMaxRetries = 2
	Config.Fetcher.MaxRedirects = 5
	Config.Fetcher.MaxContentSizeBytes = 10 * 1024 * 1024
	Config.Fetcher.MaxDNSCacheEntries = 20000
	Config.Fetcher.MaxFetchesPerSecond = 0
	Config.Fetcher.GraceShutdownTimeout = "10s"

	Config.Parser.ParsersPerPod = 16
	Config.Parser.ParseQueueSoftLimit = 1000
	Config.Parser.ParseQueueHardLimit = 4000
	Config.Parser.MaxLinksPerPage = 1000

	Config.Politeness.MinDelay = "70s"
	Config.Politeness.MaxCrawlDelay = "5m"
	Config.Politeness.RobotsCacheTTL = "24h"
	Config.Politeness.ExclusionsFile = ""
	Config.Politeness.RobotsMemoryCacheEntries = 100000

	Config.Coordinator.SeenCapacity = 10_000_000_000
	Config.Coordinator.SeenErrorRate = 0.001
	Config.Coordinator.CheckpointInterval = "5m"

	Config.Affinity.EnableCPUAffinity = false
	Config.Affinity.CoresPerPod = 12
	Config.Affinity.FetcherCoresPerPod = 8

	Config.Console.Enable = true
	Config.Console.Port = 3000

	Config.Metrics.EnablePrometheus = false
	Config.Metrics.PrometheusPort = 9100
}

// ReadConfigFile sets a new path to find the crawler yaml config file and
// forces a reload of the config.
func ReadConfigFile(path string) error {
	ConfigName = path
	return readConfig()
}

// MustReadConfigFile calls ReadConfigFile and panics on error.
func MustReadConfigFile(path string) {
	if err := ReadConfigFile(path); err != nil {
		panic(err.Error())
	}
}

func readConfig() error {
	SetDefaultConfig()

	data, err := os.ReadFile(ConfigName)
	if err != nil {
		return fmt.Errorf("failed to read config file (%v): %w", ConfigName, err)
	}

	// Strict decode: an unknown key is a config error, not a silent no-op.
	if err := yaml.UnmarshalStrict(data, &Config); err != nil {
		return fmt.Errorf("failed to unmarshal yaml from config file (%v): %w", ConfigName, err)
	}

	return AssertConfigInvariants()
}

// AssertConfigInvariants validates the loaded config, collecting every
// problem it finds into a single error. It is public so tests that modify
// Config directly can re-validate.
func AssertConfigInvariants() error {
	var errs []string

	fab := &Config.Fabric
	if len(fab.Pods) == 0 {
		errs = append(errs, "fabric.pods must list at least one pod kv_path")
	}
	for i, p := range fab.Pods {
		if p.KVPath == "" {
			errs = append(errs, fmt.Sprintf("fabric.pods[%d].kv_path is empty", i))
		}
	}
	if len(fab.DataDirs) == 0 {
		errs = append(errs, "fabric.data_dirs must list at least one content directory")
	}
	if fab.GlobalCoordinationPod < 0 || fab.GlobalCoordinationPod >= len(fab.Pods) {
		errs = append(errs, "fabric.global_coordination_pod out of range")
	}
	if _, err := time.ParseDuration(fab.StoreRetryBackoff); err != nil {
		errs = append(errs, fmt.Sprintf("fabric.store_retry_backoff failed to parse: %v", err))
	}

	fet := &Config.Fetcher
	if fet.FetchersPerPod < 1 {
		errs = append(errs, "fetcher.fetchers_per_pod must be greater than 0")
	}
	if _, err := time.ParseDuration(fet.HTTPTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("fetcher.http_timeout failed to parse: %v", err))
	}
	if _, err := time.ParseDuration(fet.GraceShutdownTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("fetcher.grace_shutdown_timeout failed to parse: %v", err))
	}
	if fet.MaxRedirects < 0 {
		errs = append(errs, "fetcher.max_redirects must not be negative")
	}
	if fet.MaxContentSizeBytes < 1 {
		errs = append(errs, "fetcher.max_content_size_bytes must be greater than 0")
	}

	par := &Config.Parser
	if par.ParsersPerPod < 1 {
		errs = append(errs, "parser.parsers_per_pod must be greater than 0")
	}
	if par.ParseQueueHardLimit < par.ParseQueueSoftLimit {
		errs = append(errs, "parser.parse_queue_hard_limit must be >= parse_queue_soft_limit")
	}
	if par.ParseQueueSoftLimit < 1 {
		errs = append(errs, "parser.parse_queue_soft_limit must be greater than 0")
	}

	pol := &Config.Politeness
	minDelay, err := time.ParseDuration(pol.MinDelay)
	if err != nil {
		errs = append(errs, fmt.Sprintf("politeness.min_delay failed to parse: %v", err))
	}
	maxDelay, err := time.ParseDuration(pol.MaxCrawlDelay)
	if err != nil {
		errs = append(errs, fmt.Sprintf("politeness.max_crawl_delay failed to parse: %v", err))
	}
	if err == nil && maxDelay < minDelay {
		errs = append(errs, "politeness.max_crawl_delay must be >= min_delay")
	}
	if _, err := time.ParseDuration(pol.RobotsCacheTTL); err != nil {
		errs = append(errs, fmt.Sprintf("politeness.robots_cache_ttl failed to parse: %v", err))
	}

	coord := &Config.Coordinator
	if coord.SeenCapacity < 1 {
		errs = append(errs, "coordinator.seen_capacity must be greater than 0")
	}
	if coord.SeenErrorRate <= 0 || coord.SeenErrorRate >= 1 {
		errs = append(errs, "coordinator.seen_error_rate must be in (0, 1)")
	}
	if _, err := time.ParseDuration(coord.CheckpointInterval); err != nil {
		errs = append(errs, fmt.Sprintf("coordinator.checkpoint_interval failed to parse: %v", err))
	}

	aff := &Config.Affinity
	if aff.EnableCPUAffinity {
		if aff.CoresPerPod < 1 {
			errs = append(errs, "affinity.cores_per_pod must be greater than 0 when affinity is enabled")
		}
		if aff.FetcherCoresPerPod < 0 || aff.FetcherCoresPerPod > aff.CoresPerPod {
			errs = append(errs, "affinity.fetcher_cores_per_pod must be in [0, cores_per_pod]")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config error:\n\t%v", strings.Join(errs, "\n\t"))
	}
	return nil
}
