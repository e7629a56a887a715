package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/labiium/routiium/internal/cloudauth"
)

// TransportOptions tunes the shared base transport.
type TransportOptions struct {
	// Resolver enables cached DNS lookups on dial. Nil uses the system
	// resolver directly.
	Resolver *dnscache.Resolver
	// ProxyURL forces all upstream traffic through the given proxy.
	// NoProxy disables proxying entirely, including environment proxies.
	ProxyURL string
	NoProxy  bool
}

// NewTransport returns the tuned, otel-instrumented base transport shared
// by every upstream client.
func NewTransport(opts TransportOptions) (http.RoundTripper, error) {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	switch {
	case opts.NoProxy:
		t.Proxy = nil
	case opts.ProxyURL != "":
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(proxy)
	}
	if r := opts.Resolver; r != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := r.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return otelhttp.NewTransport(t), nil
}

// signedClients lazily builds and caches the auth-transport clients that
// cannot inject a header per request: AWS SigV4 (one per region) and GCP
// OAuth.
type signedClients struct {
	base     http.RoundTripper
	awsCreds aws.CredentialsProvider // nil = ambient credential chain

	mu         sync.Mutex
	awsClients map[string]*http.Client
	gcpClient  *http.Client
}

func newSignedClients(base http.RoundTripper, awsCreds aws.CredentialsProvider) *signedClients {
	return &signedClients{base: base, awsCreds: awsCreds, awsClients: make(map[string]*http.Client)}
}

// aws returns the SigV4-signing client for the region. Pinned credentials
// win; otherwise the default AWS chain is loaded on first use.
func (s *signedClients) aws(ctx context.Context, region string) (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.awsClients[region]; ok {
		return client, nil
	}
	creds := s.awsCreds
	if creds == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("load aws credentials: %w", err)
		}
		creds = cfg.Credentials
	}
	client := &http.Client{
		Transport: cloudauth.NewAWSSigV4Transport(s.base, creds, region, "bedrock-runtime"),
	}
	s.awsClients[region] = client
	return client, nil
}

// gcp returns the OAuth bearer client, resolving application default
// credentials on first use.
func (s *signedClients) gcp(ctx context.Context) (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gcpClient != nil {
		return s.gcpClient, nil
	}
	tr, err := cloudauth.NewGCPOAuthTransport(ctx, s.base, cloudauth.ScopeCloudPlatform)
	if err != nil {
		return nil, err
	}
	s.gcpClient = &http.Client{Transport: tr}
	return s.gcpClient, nil
}
