package regtech

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// The resolver is shared across sessions: portal hostnames change
// rarely and caching them keeps repeated logins off the DNS server.
var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
)

const dnsRefreshInterval = 5 * time.Minute

func cachedResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(dnsRefreshInterval)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
				log.Debug().Msg("REGTECH DNS cache refreshed")
			}
		}()
	})
	return resolver
}

func dialWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := cachedResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

// newTransport builds the per-session transport. Each session owns its
// transport so Close can tear down every connection the run opened.
func newTransport() *http.Transport {
	return &http.Transport{
		DialContext:           dialWithCache,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
