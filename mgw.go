package mgw

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ot "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zalando/mgw/circuit"
	mgwfilter "github.com/zalando/mgw/filters/mgw"
	"github.com/zalando/mgw/logging"
	"github.com/zalando/mgw/metrics"
	"github.com/zalando/mgw/pipeline"
	"github.com/zalando/mgw/proxy"
	"github.com/zalando/mgw/routing"
	"github.com/zalando/mgw/tracing"
)

const (
	defaultRoutesPollTimeout = 3 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

// Options to start the gateway.
type Options struct {
	// Network address that the gateway should listen on.
	Address string

	// Network address of the support listener, exposing the metrics.
	// Empty disables the support listener.
	SupportListener string

	// TLS certificate and key of the gateway listener. When both are
	// set, the gateway accepts TLS connections only.
	CertPathTLS string
	KeyPathTLS  string

	// File containing the clusters and the virtual hosts.
	RoutesFile string

	// Polling period of the routes file. Negative values disable
	// reloading.
	RoutesPollTimeout time.Duration

	// File containing the configuration of the decision filter. When
	// empty, the filter is registered without any enabled direction.
	FilterConfigFile string

	// Default buffer limit of the stream directions.
	BufferLimit uint32

	// Circuit breakers of the decision services.
	DecisionBreakers []circuit.BreakerSettings

	// Additional filters registered next to the decision filter.
	CustomFilters []pipeline.FilterFactory

	// The filter chain by name. Defaults to the decision filter only.
	Filters []string

	MetricsFlavours           []string
	MetricsPrefix             string
	EnableDebugGcMetrics      bool
	EnableRuntimeMetrics      bool
	MetricsUseExpDecaySample  bool
	HistogramMetricBuckets    []float64
	ApplicationLogOutput      string
	ApplicationLogLevel       log.Level
	ApplicationLogPrefix      string
	ApplicationLogJSONEnabled bool
	AccessLogOutput           string
	AccessLogDisabled         bool
	AccessLogJSONEnabled      bool

	// OpenTracing selects the tracer, e.g. basic sample-modulo=10. When
	// empty, the global tracer is used.
	OpenTracing []string

	// ProxyParams are passed to the proxy. The routes, the registry, the
	// filters, the metrics and the tracer are set by Run.
	ProxyParams proxy.Params

	ReadTimeoutServer       time.Duration
	ReadHeaderTimeoutServer time.Duration
	WriteTimeoutServer      time.Duration
	IdleTimeoutServer       time.Duration

	// How long the servers wait for the active streams on shutdown.
	ShutdownTimeout time.Duration
}

func (o *Options) isHTTPS() bool {
	return o.CertPathTLS != "" && o.KeyPathTLS != ""
}

func openLogOutput(name string) (io.Writer, error) {
	if name == "" {
		return nil, nil
	}

	return os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func initLog(o Options) error {
	appOut, err := openLogOutput(o.ApplicationLogOutput)
	if err != nil {
		return fmt.Errorf("failed to open the application log: %w", err)
	}

	accessOut, err := openLogOutput(o.AccessLogOutput)
	if err != nil {
		return fmt.Errorf("failed to open the access log: %w", err)
	}

	// the zero level keeps the default
	var level string
	if o.ApplicationLogLevel != log.PanicLevel {
		level = o.ApplicationLogLevel.String()
	}

	return logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogOutput:      appOut,
		ApplicationLogLevel:       level,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		AccessLogOutput:           accessOut,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
	})
}

func metricsKind(flavours []string) metrics.Kind {
	var kind metrics.Kind
	for _, f := range flavours {
		switch f {
		case "codahale":
			kind |= metrics.CodaHaleKind
		case "prometheus":
			kind |= metrics.PrometheusKind
		}
	}

	if kind == metrics.UnknownKind {
		kind = metrics.CodaHaleKind
	}

	return kind
}

func loadLocalCertificate(o Options) (*tls.Certificate, *x509.Certificate, error) {
	if !o.isHTTPS() {
		return nil, nil, nil
	}

	cert, err := tls.LoadX509KeyPair(o.CertPathTLS, o.KeyPathTLS)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load the TLS certificate: %w", err)
	}

	leaf := cert.Leaf
	if leaf == nil && len(cert.Certificate) > 0 {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, nil, fmt.Errorf("failed to parse the TLS certificate: %w", err)
		}
	}

	return &cert, leaf, nil
}

// newFilterFactory creates the decision filter. The envoy_grpc decision
// services are resolved from the clusters of the routes file, when it
// can be read.
func newFilterFactory(o Options, m metrics.Metrics, tracer ot.Tracer) (*mgwfilter.Factory, error) {
	var c *mgwfilter.Config
	if o.FilterConfigFile != "" {
		var err error
		if c, err = mgwfilter.LoadConfig(o.FilterConfigFile); err != nil {
			return nil, fmt.Errorf("failed to load the decision filter config: %w", err)
		}
	} else {
		log.Warn("no decision filter config specified, the requests are not checked")
	}

	opts := []mgwfilter.Option{
		mgwfilter.WithMetrics(m),
		mgwfilter.WithTracer(tracer),
		mgwfilter.WithBreakers(circuit.NewRegistry(o.DecisionBreakers...)),
	}

	if o.RoutesFile != "" {
		if f, err := routing.LoadFile(o.RoutesFile); err == nil {
			opts = append(opts, mgwfilter.WithClusterResolver(f.GRPCTarget))
		}
	}

	return mgwfilter.NewFactory(c, opts...)
}

// Run starts the gateway and blocks until it receives SIGTERM or SIGINT,
// or one of its servers fails.
func Run(o Options) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	return run(o, sigs, nil)
}

func run(o Options, sig <-chan os.Signal, ready chan<- struct{}) error {
	if err := initLog(o); err != nil {
		return err
	}

	if o.RoutesFile == "" {
		return errors.New("missing routes file")
	}

	m := metrics.NewMetrics(metrics.Options{
		Format:               metricsKind(o.MetricsFlavours),
		Prefix:               o.MetricsPrefix,
		EnableDebugGcMetrics: o.EnableDebugGcMetrics,
		EnableRuntimeMetrics: o.EnableRuntimeMetrics,
		UseExpDecaySample:    o.MetricsUseExpDecaySample,
		HistogramBuckets:     o.HistogramMetricBuckets,
	})

	tracer := ot.GlobalTracer()
	if len(o.OpenTracing) > 0 {
		t, err := tracing.Init(o.OpenTracing, logging.New(map[string]any{"component": "tracing"}))
		if err != nil {
			return fmt.Errorf("failed to initialize the tracer: %w", err)
		}

		defer t.Close()
		tracer = t
	}

	factory, err := newFilterFactory(o, m, tracer)
	if err != nil {
		return err
	}

	defer factory.Close()

	registry := make(pipeline.Registry)
	registry.Register(factory)
	registry.Register(o.CustomFilters...)

	if o.RoutesPollTimeout == 0 {
		o.RoutesPollTimeout = defaultRoutesPollTimeout
	}

	rt, err := routing.New(routing.Options{
		RoutesFile:  o.RoutesFile,
		Registry:    registry,
		PollTimeout: o.RoutesPollTimeout,
		Log:         logging.New(map[string]any{"component": "routing"}),
	})
	if err != nil {
		return err
	}

	defer rt.Close()

	cert, leaf, err := loadLocalCertificate(o)
	if err != nil {
		return err
	}

	filters := o.Filters
	if len(filters) == 0 {
		filters = []string{mgwfilter.Name}
	}

	params := o.ProxyParams
	params.Routes = rt
	params.Registry = registry
	params.Filters = filters
	params.Metrics = m
	params.AccessLogDisabled = o.AccessLogDisabled
	params.LocalCertificate = leaf
	if params.BufferLimit == 0 {
		params.BufferLimit = o.BufferLimit
	}

	if params.OpenTracing == nil {
		params.OpenTracing = &proxy.OpenTracingParams{}
	}

	if params.OpenTracing.Tracer == nil {
		params.OpenTracing.Tracer = tracer
	}

	p, err := proxy.New(params)
	if err != nil {
		return err
	}

	defer p.Close()

	servers := []*http.Server{newServer(o, p, cert)}
	if o.SupportListener != "" {
		mux := http.NewServeMux()
		m.RegisterHandler("/metrics", mux)
		servers = append(servers, &http.Server{
			Addr:              o.SupportListener,
			Handler:           mux,
			ReadHeaderTimeout: o.ReadHeaderTimeoutServer,
		})
	}

	return listenAndServeQuit(o, servers, sig, ready)
}

func newServerErrorLog() *stdlog.Logger {
	return stdlog.New(log.StandardLogger().WriterLevel(log.ErrorLevel), "", 0)
}

func newServer(o Options, h http.Handler, cert *tls.Certificate) *http.Server {
	srv := &http.Server{
		Addr:              o.Address,
		Handler:           h,
		ReadTimeout:       o.ReadTimeoutServer,
		ReadHeaderTimeout: o.ReadHeaderTimeoutServer,
		WriteTimeout:      o.WriteTimeoutServer,
		IdleTimeout:       o.IdleTimeoutServer,
		ErrorLog:          newServerErrorLog(),
	}

	if cert != nil {
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		}
	}

	return srv
}

// listenAndServeQuit serves until a signal is received or a server
// fails, then shuts the servers down gracefully. The first server is the
// gateway, the rest are served in plain HTTP.
func listenAndServeQuit(o Options, servers []*http.Server, sig <-chan os.Signal, ready chan<- struct{}) error {
	listeners := make([]net.Listener, len(servers))
	for i, srv := range servers {
		l, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, li := range listeners[:i] {
				li.Close()
			}

			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}

		listeners[i] = l
	}

	if ready != nil {
		close(ready)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		l := listeners[i]
		g.Go(func() error {
			var err error
			if i == 0 && srv.TLSConfig != nil {
				log.Infof("TLS listener on %v", l.Addr())
				err = srv.ServeTLS(l, "", "")
			} else {
				log.Infof("Listening on %v", l.Addr())
				err = srv.Serve(l)
			}

			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		select {
		case s := <-sig:
			log.Infof("Got shutdown signal %v", s)
		case <-gctx.Done():
		}

		timeout := o.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}

		sctx, scancel := context.WithTimeout(context.Background(), timeout)
		defer scancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shut down the server on %s: %w", srv.Addr, err))
			}
		}

		return errors.Join(errs...)
	})

	err := g.Wait()
	log.Info("shutdown complete")
	return err
}
