package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/voicebridge/internal/config"
)

const (
	proxyTimeout     = 30 * time.Second
	proxyDialTimeout = 10 * time.Second
)

// proxy forwards a path prefix to an upstream host:port, including WebSocket
// upgrades. Any upstream failure collapses to a fixed 502 so carrier-facing
// responses never leak upstream internals.
type proxy struct {
	upstream string
	client   *http.Client
}

func newProxy(cfg config.ProxyConfig) *proxy {
	return &proxy{
		upstream: cfg.Upstream,
		client: &http.Client{
			Timeout: proxyTimeout,
			// The upstream's redirects are the client's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		p.serveWS(w, r)
		return
	}
	p.serveHTTP(w, r)
}

// serveHTTP forwards one plain request, preserving method, body and headers
// with Host overridden to the upstream.
func (p *proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	target := "http://" + p.upstream + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		badGateway(w)
		return
	}
	req.Header = r.Header.Clone()
	req.Host = p.upstream

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("proxy upstream failed", "upstream", p.upstream, "err", err)
		badGateway(w)
		return
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	// Mid-body failures can only be dropped; the status is already written.
	io.Copy(w, resp.Body)
}

// serveWS dials the upstream, replays the upgrade request, and splices both
// sockets on 101. A non-upgrade upstream response is written to the client
// verbatim before both sockets are closed.
func (p *proxy) serveWS(w http.ResponseWriter, r *http.Request) {
	upstream, err := net.DialTimeout("tcp", p.upstream, proxyDialTimeout)
	if err != nil {
		badGateway(w)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		badGateway(w)
		return
	}

	outReq := r.Clone(context.Background())
	outReq.Host = p.upstream
	outReq.RequestURI = ""
	if err := outReq.Write(upstream); err != nil {
		upstream.Close()
		badGateway(w)
		return
	}

	upReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upReader, outReq)
	if err != nil {
		upstream.Close()
		badGateway(w)
		return
	}

	client, clientBuf, err := hj.Hijack()
	if err != nil {
		resp.Body.Close()
		upstream.Close()
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Write(client)
		client.Close()
		upstream.Close()
		return
	}
	resp.Write(client)

	done := make(chan struct{}, 2)
	go func() {
		// upReader may hold bytes the upstream sent right after the 101.
		io.Copy(client, upReader)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(upstream, clientBuf)
		done <- struct{}{}
	}()
	<-done
	client.Close()
	upstream.Close()
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func badGateway(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	io.WriteString(w, "Bad Gateway")
}
