package config

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/zalando/mgw"
	"github.com/zalando/mgw/proxy"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address         string `yaml:"address"`
	SupportListener string `yaml:"support-listener"`
	CertPathTLS     string `yaml:"tls-cert"`
	KeyPathTLS      string `yaml:"tls-key"`
	PrintVersion    bool   `yaml:"version"`

	// routing and the decision filter:
	RoutesFile        string        `yaml:"routes-file"`
	RoutesPollTimeout time.Duration `yaml:"routes-poll-timeout"`
	FilterConfigFile  string        `yaml:"mgw-config-file"`
	BufferLimit       int           `yaml:"buffer-limit"`
	DecisionBreakers  breakerFlags  `yaml:"decision-breaker"`

	// logging, metrics:
	MetricsFlavour               *listFlag `yaml:"metrics-flavour"`
	MetricsPrefix                string    `yaml:"metrics-prefix"`
	DebugGcMetrics               bool      `yaml:"debug-gc-metrics"`
	RuntimeMetrics               bool      `yaml:"runtime-metrics"`
	MetricsUseExpDecaySample     bool      `yaml:"metrics-exp-decay-sample"`
	HistogramMetricBucketsString string    `yaml:"histogram-metric-buckets"`
	HistogramMetricBuckets       []float64 `yaml:"-"`
	ApplicationLog               string    `yaml:"application-log"`
	ApplicationLogLevel          log.Level `yaml:"-"`
	ApplicationLogLevelString    string    `yaml:"application-log-level"`
	ApplicationLogPrefix         string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled    bool      `yaml:"application-log-json-enabled"`
	AccessLog                    string    `yaml:"access-log"`
	AccessLogDisabled            bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled         bool      `yaml:"access-log-json-enabled"`
	OpenTracing                  string    `yaml:"opentracing"`

	// connections, timeouts:
	IdleConnectionsPerHost  int           `yaml:"idle-conns-num"`
	TimeoutBackend          time.Duration `yaml:"timeout-backend"`
	ResponseHeaderTimeout   time.Duration `yaml:"response-header-timeout-backend"`
	ReadTimeoutServer       time.Duration `yaml:"read-timeout-server"`
	ReadHeaderTimeoutServer time.Duration `yaml:"read-header-timeout-server"`
	WriteTimeoutServer      time.Duration `yaml:"write-timeout-server"`
	IdleTimeoutServer       time.Duration `yaml:"idle-timeout-server"`
}

const (
	defaultBufferLimit            = 1 << 20
	defaultIdleConnectionsPerHost = 64
	defaultTimeoutBackend         = 60 * time.Second
	defaultReadTimeoutServer      = 5 * time.Minute
	defaultWriteTimeoutServer     = 60 * time.Second
	defaultIdleTimeoutServer      = 60 * time.Second
	defaultRoutesPollTimeout      = 3 * time.Second
)

func NewConfig() *Config {
	cfg := new(Config)
	cfg.MetricsFlavour = commaListFlag("codahale", "prometheus")
	cfg.MetricsFlavour.Set("codahale")

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", ":9090", "network address that the gateway should listen on")
	flag.StringVar(&cfg.SupportListener, "support-listener", ":9911", "network address used for exposing the /metrics endpoint. An empty value disables the support listener")
	flag.StringVar(&cfg.CertPathTLS, "tls-cert", "", "the path on the local filesystem to the certificate file (including any intermediates)")
	flag.StringVar(&cfg.KeyPathTLS, "tls-key", "", "the path on the local filesystem to the certificate's private key file")
	flag.BoolVar(&cfg.PrintVersion, "version", false, "print the version and exit")

	// routing and the decision filter:
	flag.StringVar(&cfg.RoutesFile, "routes-file", "", "file containing the clusters and the virtual hosts (yaml)")
	flag.DurationVar(&cfg.RoutesPollTimeout, "routes-poll-timeout", defaultRoutesPollTimeout, "polling period of the routes file, a negative value disables reloading")
	flag.StringVar(&cfg.FilterConfigFile, "mgw-config-file", "", "file containing the request and response configuration of the external decision filter (yaml)")
	flag.IntVar(&cfg.BufferLimit, "buffer-limit", defaultBufferLimit, "default maximum number of body bytes buffered per stream and direction")
	flag.Var(&cfg.DecisionBreakers, "decision-breaker", breakerUsage)

	// logging, metrics:
	flag.Var(cfg.MetricsFlavour, "metrics-flavour", "Metrics flavour is used to change the exposed metrics format. Supported metric formats: 'codahale' and 'prometheus', you can select both of them")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "mgw.", "allows setting a custom path prefix for metrics export")
	flag.BoolVar(&cfg.DebugGcMetrics, "debug-gc-metrics", false, "enables reporting of the Go garbage collector statistics exported in debug.GCStats")
	flag.BoolVar(&cfg.RuntimeMetrics, "runtime-metrics", true, "enables reporting of the Go runtime statistics exported in runtime and specifically runtime.MemStats")
	flag.BoolVar(&cfg.MetricsUseExpDecaySample, "metrics-exp-decay-sample", false, "use exponentially-decaying sample in timers")
	flag.StringVar(&cfg.HistogramMetricBucketsString, "histogram-metric-buckets", "", "use custom buckets for prometheus histograms, must be a comma-separated list of numbers")
	flag.StringVar(&cfg.ApplicationLog, "application-log", "", "output file for the application log. When not set, /dev/stderr is used")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG, TRACE")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.StringVar(&cfg.AccessLog, "access-log", "", "output file for the access log, When not set, /dev/stderr is used")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.StringVar(&cfg.OpenTracing, "opentracing", "", "list of arguments for the tracer, the first one selects the implementation: noop or basic, e.g. \"basic sample-modulo=10\"")

	// connections, timeouts:
	flag.IntVar(&cfg.IdleConnectionsPerHost, "idle-conns-num", defaultIdleConnectionsPerHost, "maximum idle connections per backend host")
	flag.DurationVar(&cfg.TimeoutBackend, "timeout-backend", defaultTimeoutBackend, "sets the TCP client connection timeout for backend connections")
	flag.DurationVar(&cfg.ResponseHeaderTimeout, "response-header-timeout-backend", defaultTimeoutBackend, "sets the HTTP response header timeout for backend connections")
	flag.DurationVar(&cfg.ReadTimeoutServer, "read-timeout-server", defaultReadTimeoutServer, "set ReadTimeout for http server connections")
	flag.DurationVar(&cfg.ReadHeaderTimeoutServer, "read-header-timeout-server", 60*time.Second, "set ReadHeaderTimeout for http server connections")
	flag.DurationVar(&cfg.WriteTimeoutServer, "write-timeout-server", defaultWriteTimeoutServer, "set WriteTimeout for http server connections")
	flag.DurationVar(&cfg.IdleTimeoutServer, "idle-timeout-server", defaultIdleTimeoutServer, "set IdleTimeout for http server connections")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	_, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return err
	}

	_, err = c.parseHistogramBuckets()
	if err != nil {
		return err
	}

	if c.BufferLimit <= 0 || c.BufferLimit > int(^uint32(0)) {
		return fmt.Errorf("invalid buffer limit: %d", c.BufferLimit)
	}

	if (c.CertPathTLS == "") != (c.KeyPathTLS == "") {
		return fmt.Errorf("both tls-cert and tls-key are required for TLS")
	}

	return nil
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		// flags take precedence over the file
		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)
	c.HistogramMetricBuckets, _ = c.parseHistogramBuckets()
	return nil
}

func (c *Config) ToOptions() mgw.Options {
	return mgw.Options{
		// generic:
		Address:         c.Address,
		SupportListener: c.SupportListener,
		CertPathTLS:     c.CertPathTLS,
		KeyPathTLS:      c.KeyPathTLS,

		// routing and the decision filter:
		RoutesFile:        c.RoutesFile,
		RoutesPollTimeout: c.RoutesPollTimeout,
		FilterConfigFile:  c.FilterConfigFile,
		BufferLimit:       uint32(c.BufferLimit),
		DecisionBreakers:  c.DecisionBreakers,

		// logging, metrics:
		MetricsFlavours:           c.MetricsFlavour.values,
		MetricsPrefix:             c.MetricsPrefix,
		EnableDebugGcMetrics:      c.DebugGcMetrics,
		EnableRuntimeMetrics:      c.RuntimeMetrics,
		MetricsUseExpDecaySample:  c.MetricsUseExpDecaySample,
		HistogramMetricBuckets:    c.HistogramMetricBuckets,
		ApplicationLogOutput:      c.ApplicationLog,
		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		AccessLogOutput:           c.AccessLog,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,
		OpenTracing:               strings.Fields(c.OpenTracing),

		// connections, timeouts:
		ProxyParams: proxy.Params{
			IdleConnectionsPerHost: c.IdleConnectionsPerHost,
			Timeout:                c.TimeoutBackend,
			ResponseHeaderTimeout:  c.ResponseHeaderTimeout,
		},
		ReadTimeoutServer:       c.ReadTimeoutServer,
		ReadHeaderTimeoutServer: c.ReadHeaderTimeoutServer,
		WriteTimeoutServer:      c.WriteTimeoutServer,
		IdleTimeoutServer:       c.IdleTimeoutServer,
	}
}

func (c *Config) parseHistogramBuckets() ([]float64, error) {
	if c.HistogramMetricBucketsString == "" {
		return prometheus.DefBuckets, nil
	}

	var result []float64
	thresholds := strings.Split(c.HistogramMetricBucketsString, ",")
	for _, v := range thresholds {
		bucket, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("unable to parse histogram-metric-buckets: %w", err)
		}
		result = append(result, bucket)
	}
	sort.Float64s(result)
	return result, nil
}
