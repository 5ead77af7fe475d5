package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/aussielabs/aussie/config"
	"github.com/aussielabs/aussie/internal/safeurl"
)

// NewTransport builds the outbound transport. Per-phase timeouts come
// from config; the safeurl guard vets every dialed address so a
// registration pointing at link-local or loopback space fails at
// connect time.
func NewTransport(cfg config.TimeoutsConfig, guard *safeurl.Guard) *http.Transport {
	connect := cfg.Connect
	if connect == 0 {
		connect = 5 * time.Second
	}
	tlsHandshake := cfg.TLSHandshake
	if tlsHandshake == 0 {
		tlsHandshake = 5 * time.Second
	}
	responseHeader := cfg.ResponseHeader
	if responseHeader == 0 {
		responseHeader = 10 * time.Second
	}
	idle := cfg.IdleConn
	if idle == 0 {
		idle = 90 * time.Second
	}

	dial := (&net.Dialer{
		Timeout:   connect,
		KeepAlive: 30 * time.Second,
	}).DialContext
	if guard != nil {
		dial = guard.DialContext
	}

	return &http.Transport{
		DialContext:           dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       idle,
		TLSHandshakeTimeout:   tlsHandshake,
		ResponseHeaderTimeout: responseHeader,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}
