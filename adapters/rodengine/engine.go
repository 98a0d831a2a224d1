// Package rodengine implements engine.Engine against a real headless
// Chrome tab via go-rod, optionally injected with go-rod/stealth's
// anti-detection patches.
//
// Adapted from the teacher's engine.RodEngine (a thin name/Fetch wrapper
// delegating to the old scraper package) and the page lifecycle this
// repo's scraper package used to drive directly: acquire a tab, navigate,
// wait for a load condition, read results, always close the tab.
package rodengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/nyigoro/pneuma/engine"
	"github.com/nyigoro/pneuma/migration"
)

// probeScript runs in-page after a navigation settles and reports the raw
// signal vector the confidence scorer consumes. Fields mirror
// confidence.Signals' wire names exactly.
const probeScript = `() => {
	const errs = window.__pneumaJsErrors || 0;
	const rejections = window.__pneumaUnhandledRejections || 0;
	const paint = performance.getEntriesByType('paint').find(e => e.name === 'first-contentful-paint');
	return {
		first_paint_ms: paint ? Math.round(paint.startTime) : null,
		paint_element_count: document.querySelectorAll('body *').length,
		dom_element_count: document.getElementsByTagName('*').length,
		body_text_length: (document.body && document.body.innerText || '').length,
		js_errors: errs,
		unhandled_promise_rejections: rejections,
		console_error_count: window.__pneumaConsoleErrors || 0,
		failed_resource_count: window.__pneumaFailedResources || 0,
		cors_violations: window.__pneumaCorsViolations || 0,
		pending_requests_at_sample: window.__pneumaPendingRequests || 0,
		css_parse_failures: window.__pneumaCssParseFailures || 0,
		js_execution_time_ms: Math.round(performance.now())
	};
}`

// instrumentScript is injected before any page script runs, wiring up the
// JS error, unhandled-rejection and console-error counters probeScript
// reads back out. Nothing in this package sets the failed-resource, CORS,
// pending-request or CSS-parse counters, so probeScript reports those as 0.
const instrumentScript = `
window.__pneumaJsErrors = 0;
window.__pneumaUnhandledRejections = 0;
window.__pneumaConsoleErrors = 0;
window.addEventListener('error', () => { window.__pneumaJsErrors++; });
window.addEventListener('unhandledrejection', () => { window.__pneumaUnhandledRejections++; });
const origError = console.error;
console.error = function(...args) { window.__pneumaConsoleErrors++; return origError.apply(console, args); };
`

// Engine drives one Chrome tab. It is not safe for concurrent use by
// multiple goroutines; the broker only ever calls through one engine from
// its single-consumer service loop at a time.
type Engine struct {
	browser *rod.Browser
	page    *rod.Page
	name    string
	closed  bool
}

// New creates a fresh tab on browser. When stealth is true the tab is
// created via go-rod/stealth so common headless-detection probes
// (navigator.webdriver, missing plugins, chrome runtime, etc.) read as a
// normal browser.
func New(browser *rod.Browser, stealth_ bool) (*Engine, error) {
	var page *rod.Page
	var err error
	if stealth_ {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(rod.PageInfo{})
	}
	if err != nil {
		return nil, fmt.Errorf("rodengine: create page: %w", err)
	}

	name := "rod"
	if stealth_ {
		name = "rod-stealth"
	}

	if _, err := page.EvalOnNewDocument(instrumentScript); err != nil {
		return nil, fmt.Errorf("rodengine: install instrumentation: %w", err)
	}

	return &Engine{browser: browser, page: page, name: name}, nil
}

func (e *Engine) Navigate(ctx context.Context, url string, opts engine.NavigateOptions) (engine.NavigateResult, error) {
	page := e.page.Context(ctx)

	if err := page.Navigate(url); err != nil {
		return engine.NavigateResult{}, fmt.Errorf("%s: navigate: %w", e.name, err)
	}
	if err := page.WaitDOMStable(500*time.Millisecond, 0); err != nil {
		// Non-fatal: a page that never settles is exactly the kind of
		// signal the scorer needs to see, not a hard navigate error.
	}

	title, _ := page.Eval(`() => document.title`)
	var titleStr string
	if title != nil {
		titleStr = title.Value.Str()
	}

	probe, err := page.Eval(probeScript)
	if err != nil {
		return engine.NavigateResult{}, fmt.Errorf("%s: probe: %w", e.name, err)
	}

	metadata, err := buildMetadata(e.name, titleStr, probe.Value)
	if err != nil {
		return engine.NavigateResult{}, fmt.Errorf("%s: build metadata: %w", e.name, err)
	}

	return engine.NavigateResult{
		OK:       true,
		Engine:   e.name,
		Title:    titleStr,
		Metadata: metadata,
	}, nil
}

func buildMetadata(engineName, title string, probe gson.JSON) ([]byte, error) {
	out := map[string]any{
		"ok":       true,
		"engine":   engineName,
		"title":    title,
		"migrated": false,
	}
	raw, err := probe.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var signals map[string]any
	if err := json.Unmarshal(raw, &signals); err != nil {
		return nil, err
	}
	for k, v := range signals {
		out[k] = v
	}
	return json.Marshal(out)
}

func (e *Engine) Evaluate(ctx context.Context, script string) ([]byte, error) {
	res, err := e.page.Context(ctx).Eval(script)
	if err != nil {
		return nil, fmt.Errorf("%s: evaluate: %w", e.name, err)
	}
	return res.Value.MarshalJSON()
}

func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := e.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: screenshot: %w", e.name, err)
	}
	return img, nil
}

func (e *Engine) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.page.Close()
}

// ExtractState captures cookies and current-origin local storage, per
// migration.Envelope's scope. Partial failures are tolerated; only total
// failure of both halves is reported.
func (e *Engine) ExtractState(ctx context.Context) (migration.Envelope, error) {
	page := e.page.Context(ctx)

	env := migration.Envelope{SourceEngine: e.name, CapturedAtMs: uint64(time.Now().UnixMilli())}

	info, infoErr := page.Info()
	if infoErr == nil {
		url := info.URL
		env.CurrentURL = &url
	}

	cookiesErr := extractCookies(page, &env)
	storageErr := extractLocalStorage(page, &env)

	if cookiesErr != nil && storageErr != nil {
		return env, fmt.Errorf("%s: extract state: cookies: %v; local storage: %v", e.name, cookiesErr, storageErr)
	}
	return env, nil
}

func extractCookies(page *rod.Page, env *migration.Envelope) error {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return err
	}
	for _, c := range cookies {
		domain, path, secure, httpOnly := c.Domain, c.Path, c.Secure, c.HTTPOnly
		var sameSite *string
		if s := string(c.SameSite); s != "" {
			sameSite = &s
		}
		var expiry *int64
		if float64(c.Expires) > 0 {
			e := int64(c.Expires)
			expiry = &e
		}
		env.Cookies = append(env.Cookies, migration.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   &domain,
			Path:     &path,
			Secure:   &secure,
			HTTPOnly: &httpOnly,
			Expiry:   expiry,
			SameSite: sameSite,
		})
	}
	return nil
}

func extractLocalStorage(page *rod.Page, env *migration.Envelope) error {
	res, err := page.Eval(`() => {
		const out = {};
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			out[k] = localStorage.getItem(k);
		}
		return out;
	}`)
	if err != nil {
		return err
	}
	var kv map[string]string
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &kv); err != nil {
		return err
	}
	for k, v := range kv {
		env.LocalStorage = append(env.LocalStorage, migration.KV{Key: k, Value: v})
	}
	return nil
}

// ImportState applies env to the current page, which must already have
// navigated into the target origin so document.domain-scoped writes land
// correctly. Individual entry failures are tolerated.
func (e *Engine) ImportState(ctx context.Context, env migration.Envelope) error {
	page := e.page.Context(ctx)

	var attempted, failed int

	if len(env.Cookies) > 0 {
		attempted++
		params := make([]*proto.NetworkCookieParam, 0, len(env.Cookies))
		for _, c := range env.Cookies {
			p := &proto.NetworkCookieParam{Name: c.Name, Value: c.Value}
			if c.Domain != nil {
				p.Domain = *c.Domain
			}
			if c.Path != nil {
				p.Path = *c.Path
			}
			if c.Secure != nil {
				p.Secure = *c.Secure
			}
			if c.HTTPOnly != nil {
				p.HTTPOnly = *c.HTTPOnly
			}
			params = append(params, p)
		}
		if err := page.SetCookies(params); err != nil {
			failed++
		}
	}

	for _, kv := range env.LocalStorage {
		attempted++
		script := fmt.Sprintf(`() => localStorage.setItem(%q, %q)`, kv.Key, kv.Value)
		if _, err := page.Eval(script); err != nil {
			failed++
		}
	}

	if attempted > 0 && failed == attempted {
		return fmt.Errorf("%s: import state: all %d entries failed", e.name, attempted)
	}
	return nil
}
