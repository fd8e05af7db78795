// Package proxytest starts proxies for tests, from a route table
// document and a filter chain.
package proxytest

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/zalando/mgw/logging/loggingtest"
	"github.com/zalando/mgw/pipeline"
	"github.com/zalando/mgw/proxy"
	"github.com/zalando/mgw/routing"
)

type TestProxy struct {
	URL   string
	Port  string
	Log   *loggingtest.TestLogger
	Table *routing.Table

	proxy  *proxy.Proxy
	server *httptest.Server
}

type TestClient struct {
	*http.Client
}

type Config struct {
	// Registry holds the filters of the chain. When nil, an empty
	// registry is used.
	Registry pipeline.Registry

	// Routes is the route table document.
	Routes string

	// Filters is the filter chain by name.
	Filters []string

	ProxyParams  proxy.Params
	Certificates []tls.Certificate

	// TLS starts the server with TLS, using the test certificate of
	// httptest when no certificates are set.
	TLS bool
}

// New starts a proxy with the default parameters.
func New(r pipeline.Registry, routes string, filters ...string) *TestProxy {
	return Config{Registry: r, Routes: routes, Filters: filters}.Create()
}

// WithParams starts a proxy with custom parameters.
func WithParams(r pipeline.Registry, params proxy.Params, routes string, filters ...string) *TestProxy {
	return Config{Registry: r, Routes: routes, Filters: filters, ProxyParams: params}.Create()
}

// CreateUnstarted creates the proxy without starting its server. It
// panics on invalid routes or filters.
func (c Config) CreateUnstarted() *TestProxy {
	if c.Registry == nil {
		c.Registry = make(pipeline.Registry)
	}

	f, err := routing.ParseFile([]byte(c.Routes))
	if err != nil {
		panic(err)
	}

	table, err := routing.NewTable(f, c.Registry)
	if err != nil {
		panic(err)
	}

	tl := loggingtest.New()
	c.ProxyParams.Routes = table
	c.ProxyParams.Registry = c.Registry
	c.ProxyParams.Filters = c.Filters
	c.ProxyParams.Log = tl
	c.ProxyParams.AccessLogDisabled = true
	if c.ProxyParams.CloseIdleConnsPeriod == 0 {
		c.ProxyParams.CloseIdleConnsPeriod = -time.Second
	}

	pr, err := proxy.New(c.ProxyParams)
	if err != nil {
		panic(err)
	}

	tsp := httptest.NewUnstartedServer(pr)
	if len(c.Certificates) > 0 {
		tsp.TLS = &tls.Config{Certificates: c.Certificates}
	} else if c.TLS {
		tsp.TLS = &tls.Config{}
	}

	_, port, _ := net.SplitHostPort(tsp.Listener.Addr().String())
	return &TestProxy{
		Port:   port,
		Log:    tl,
		Table:  table,
		proxy:  pr,
		server: tsp,
	}
}

func (p *TestProxy) Start() {
	if p.server.TLS != nil {
		p.server.StartTLS()
	} else {
		p.server.Start()
	}

	p.URL = p.server.URL
}

func (c Config) Create() *TestProxy {
	p := c.CreateUnstarted()
	p.Start()
	return p
}

func (p *TestProxy) Client() *TestClient {
	return &TestClient{p.server.Client()}
}

func (p *TestProxy) Close() error {
	p.server.Close()
	return p.proxy.Close()
}

// GetBody issues a GET to the specified URL, reads and closes response body and
// returns response, response body bytes and error if any.
func (c *TestClient) GetBody(url string) (rsp *http.Response, body []byte, err error) {
	rsp, err = c.Get(url)
	if err != nil {
		return
	}
	defer rsp.Body.Close()

	body, err = io.ReadAll(rsp.Body)
	return
}

// DoBody sends the request, reads and closes the response body.
func (c *TestClient) DoBody(req *http.Request) (rsp *http.Response, body []byte, err error) {
	rsp, err = c.Do(req)
	if err != nil {
		return
	}
	defer rsp.Body.Close()

	body, err = io.ReadAll(rsp.Body)
	return
}
