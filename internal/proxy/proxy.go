// Package proxy implements the routing data plane: a TLS-terminating
// reverse proxy on 443 that resolves requests to a deployment's container
// by hostname, gates access behind an auth cookie, and surfaces a loading
// interstitial while a container starts; plus a plain HTTP listener on 80
// that redirects to the HTTPS equivalent of the request.
package proxy

import (
	_ "embed"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"deploybox/internal/certs"
	"deploybox/internal/deployment"
	"deploybox/internal/metrics"
)

//go:embed loading.html
var loadingHTML []byte

// Resolver is the read-only view of live deployments the proxy needs.
// internal/manager.Manager satisfies this.
type Resolver interface {
	GetByHostname(host string) (*deployment.Deployment, bool)
}

// RequestLog is one record of a completed request that resolved to a
// deployment. Requests that resolve to none are not logged.
type RequestLog struct {
	Time       time.Time
	Host       string
	Method     string
	Path       string
	Status     int
	Deployment int64
	HasDeploy  bool
}

// Logger receives one RequestLog per request that resolved to a
// deployment.
type Logger interface {
	Log(RequestLog)
}

// Config controls the data plane's auth and API-routing behavior.
type Config struct {
	ManagementHostname string // Host value that routes to the loopback API and carries the auth cookie's name
	AuthToken          string // the single shared bearer token
	CoordinatorURL     string // external auth coordinator base URL
	APIAddr            string // loopback address the management API listens on, e.g. "127.0.0.1:5045"
}

// Proxy is the TLS + plain-HTTP listener pair.
type Proxy struct {
	cfg        Config
	resolver   Resolver
	certs      certs.Provider
	logger     Logger
	metrics    *metrics.Registry // optional; nil disables metric recording
	transport  http.RoundTripper
	apiReverse *httputil.ReverseProxy

	mu      sync.Mutex
	servers []*http.Server
}

// New builds a Proxy. Call ListenAndServeTLS and ListenAndServeHTTP (each
// blocks) in separate goroutines.
func New(cfg Config, resolver Resolver, provider certs.Provider, logger Logger) *Proxy {
	p := &Proxy{
		cfg:      cfg,
		resolver: resolver,
		certs:    provider,
		logger:   logger,
		transport: &http.Transport{
			DialContext:     (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			IdleConnTimeout: 60 * time.Second,
		},
	}
	p.apiReverse = &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = "http"
			r.URL.Host = cfg.APIAddr
		},
	}
	return p
}

// WithMetrics attaches a metrics registry the proxy records request
// counts and latency into. Optional; the zero value (nil) is a safe no-op.
func (p *Proxy) WithMetrics(reg *metrics.Registry) *Proxy {
	p.metrics = reg
	return p
}

// ListenAndServeTLS runs the TLS-terminating proxy on addr (e.g. ":443").
// The certificate is resolved fresh at every handshake via the provider.
func (p *Proxy) ListenAndServeTLS(addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(p.serveHTTPS),
		TLSConfig: &tls.Config{
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				return p.certs.Current()
			},
		},
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	p.trackServer(server)
	return server.ListenAndServeTLS("", "")
}

// ListenAndServeHTTP runs the plain HTTP→HTTPS redirect listener on addr
// (e.g. ":80"). It never consults the resolver.
func (p *Proxy) ListenAndServeHTTP(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      http.HandlerFunc(redirectToHTTPS),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	p.trackServer(server)
	return server.ListenAndServe()
}

func (p *Proxy) trackServer(s *http.Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers = append(p.servers, s)
}

// Shutdown gracefully stops every listener started by ListenAndServeTLS and
// ListenAndServeHTTP, waiting up to ctx's deadline for in-flight requests to
// finish.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	servers := p.servers
	p.mu.Unlock()

	var firstErr error
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	target := "https://" + host + r.URL.RequestURI()
	w.Header().Set("Content-Type", "text/html")
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// serveHTTPS implements the six-step per-HTTPS-request flow.
func (p *Proxy) serveHTTPS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := hostOnly(r.Host)
	if host == "" {
		w.WriteHeader(http.StatusBadRequest)
		p.recordMetrics(http.StatusBadRequest, start)
		return
	}

	// Step 2: management hostname always routes to the loopback API and is
	// always public — it is never subject to the auth-cookie gate, since it
	// is the very thing that issues that cookie.
	if host == p.cfg.ManagementHostname {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		p.apiReverse.ServeHTTP(rec, r)
		p.log(r, host, rec.status, 0, false)
		p.recordMetrics(rec.status, start)
		return
	}

	// Step 3: resolve via the manager's hostname index.
	dep, ok := p.resolver.GetByHostname(host)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		p.log(r, host, http.StatusNotFound, 0, false)
		p.recordMetrics(http.StatusNotFound, start)
		return
	}

	// Step 4: auth gate for non-public deployments.
	if !dep.IsPublic() && !p.isAuthenticated(r) {
		p.redirectToAuth(w, r, host)
		p.log(r, host, http.StatusFound, dep.ID(), true)
		p.recordMetrics(http.StatusFound, start)
		return
	}

	// Step 5: ask the deployment for access.
	access := dep.Access(r.Context())
	switch access.Kind {
	case deployment.AccessSocket:
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		p.proxyTo(rec, r, access.Addr)
		p.log(r, host, rec.status, dep.ID(), true)
		p.recordMetrics(rec.status, start)
	case deployment.AccessLoading:
		w.Header().Set("Prezel-Loading", "true")
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(loadingHTML)
		p.log(r, host, http.StatusOK, dep.ID(), true)
		p.recordMetrics(http.StatusOK, start)
	default:
		w.WriteHeader(http.StatusBadGateway)
		p.log(r, host, http.StatusBadGateway, dep.ID(), true)
		p.recordMetrics(http.StatusBadGateway, start)
	}
}

func (p *Proxy) recordMetrics(status int, start time.Time) {
	if p.metrics == nil {
		return
	}
	class := metrics.StatusClass(status)
	p.metrics.ProxyRequestsTotal.WithLabelValues(class).Inc()
	p.metrics.ProxyRequestDuration.WithLabelValues(class).Observe(time.Since(start).Seconds())
}

func (p *Proxy) proxyTo(w http.ResponseWriter, r *http.Request, addr string) {
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = addr
		},
		Transport: p.transport,
	}
	proxy.ServeHTTP(w, r)
}

func (p *Proxy) isAuthenticated(r *http.Request) bool {
	for _, c := range r.Cookies() {
		if c.Name == p.cfg.ManagementHostname && c.Value == p.cfg.AuthToken {
			return true
		}
	}
	return false
}

func (p *Proxy) redirectToAuth(w http.ResponseWriter, r *http.Request, host string) {
	callback := "https://" + host + r.URL.RequestURI()
	redirect, err := url.Parse(strings.TrimRight(p.cfg.CoordinatorURL, "/") + "/api/instance/auth")
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	q := redirect.Query()
	q.Set("callback", callback)
	redirect.RawQuery = q.Encode()

	w.Header().Set("Connection", "close")
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Proxy) log(r *http.Request, host string, status int, depID int64, hasDeploy bool) {
	if p.logger == nil || !hasDeploy {
		return
	}
	p.logger.Log(RequestLog{
		Time:       time.Now(),
		Host:       host,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		Deployment: depID,
		HasDeploy:  hasDeploy,
	})
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
