// Package httpattach implements the first arm of escalation's Construct
// step (spec §4.4 step 2, "reuse a running secondary if one is already
// reachable"): probe a configured Chrome DevTools Protocol endpoint and,
// if it answers, hand back a rod.Browser connected to it instead of
// spawning a new process.
//
// Adapted from the teacher's scraper/httpfetch.go plain net/http client
// construction pattern, with refraction-networking/utls swapped in for
// the transport: the version probe may cross a TLS-terminating proxy in
// front of a remote browser pool, and a stock Go TLS ClientHello is one
// of the easiest "this traffic is automated" signals a defending site can
// key on even this early in the handoff.
package httpattach

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	tls "github.com/refraction-networking/utls"
)

// chromeH1Spec mirrors a Chrome ClientHello with ALPN forced to
// http/1.1, matching the constraint that Go's http.Transport cannot
// speak HTTP/2 framing over a utls connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

func newFingerprintedClient() *http.Client {
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 5 * time.Second}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("httpattach: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2: false,
	}
	return &http.Client{Transport: transport, Timeout: 5 * time.Second}
}

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Attacher probes a single CDP endpoint (e.g. a standby Chrome instance
// kept warm outside this process) and can connect a rod.Browser to it.
type Attacher struct {
	versionURL string
	client     *http.Client
}

// New creates an Attacher against versionURL, the `/json/version` endpoint
// of a Chrome DevTools Protocol HTTP server. An empty versionURL disables
// attachment entirely: Probe always fails, so callers fall through to
// spawning a fresh process instead.
func New(versionURL string) *Attacher {
	return &Attacher{versionURL: versionURL, client: newFingerprintedClient()}
}

// Probe checks whether the configured endpoint is reachable and, if so,
// connects and returns a rod.Browser for it. The caller owns the
// returned browser's lifetime.
func (a *Attacher) Probe(ctx context.Context) (*rod.Browser, error) {
	if a.versionURL == "" {
		return nil, fmt.Errorf("httpattach: no endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.versionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpattach: build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpattach: probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpattach: probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("httpattach: read probe body: %w", err)
	}

	var info versionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("httpattach: decode probe body: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("httpattach: probe body missing websocket debugger url")
	}

	browser := rod.New().ControlURL(info.WebSocketDebuggerURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("httpattach: connect: %w", err)
	}
	return browser, nil
}
