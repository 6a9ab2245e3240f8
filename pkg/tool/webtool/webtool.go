// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webtool provides the builtin:http_fetch tool: bounded outbound
// HTTP GET/HEAD with retry/backoff, policy-checked hosts and optional
// private-address blocking so agents cannot probe the gateway's own
// network.
package webtool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/httpclient"
	"github.com/kadirpekel/warden/pkg/policy"
	"github.com/kadirpekel/warden/pkg/tool"
	"github.com/kadirpekel/warden/pkg/tool/functiontool"
)

// FetchArgs selects the URL and method for one fetch.
type FetchArgs struct {
	URL    string `json:"url" jsonschema:"required,description=URL to fetch (http or https)"`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method,default=GET,enum=GET|HEAD"`
}

// New builds the http_fetch tool.
func New(cfg *config.WebToolConfig, engine *policy.Engine) (tool.Tool, error) {
	if cfg == nil {
		cfg = &config.WebToolConfig{}
		cfg.SetDefaults()
	}

	f := &fetcher{
		cfg:    cfg,
		engine: engine,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.OrDefault(30 * time.Second)}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}

	return functiontool.NewWithValidation(
		tool.Definition{
			ID:                  "builtin:http_fetch",
			Name:                "http_fetch",
			Description:         "Fetch a URL over HTTP(S) and return the response body, truncated to the configured limit.",
			Category:            "web",
			Tags:                []string{"web", "http"},
			RequiredPermissions: []string{"network.fetch"},
			ResourceArg:         "url",
		},
		f.fetch,
		f.validate,
	)
}

type fetcher struct {
	cfg    *config.WebToolConfig
	engine *policy.Engine
	client *httpclient.Client
}

func (f *fetcher) validate(args FetchArgs) error {
	parsed, err := url.Parse(args.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q: only http and https are allowed", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}

	if config.BoolValue(f.cfg.BlockPrivateHosts, true) && isPrivateHost(host) {
		return fmt.Errorf("host %q resolves to a private or local address", host)
	}

	if f.engine != nil {
		port := portOf(parsed)
		if verdict := f.engine.Evaluate(policy.NetworkRequest(host, port, parsed.Scheme)); !verdict.Allowed() {
			return fmt.Errorf("host blocked by policy: %s", host)
		}
	}

	switch strings.ToUpper(args.Method) {
	case "", "GET", "HEAD":
	default:
		return fmt.Errorf("unsupported method %q: only GET and HEAD are allowed", args.Method)
	}
	return nil
}

func (f *fetcher) fetch(ctx context.Context, callerID string, args FetchArgs) (map[string]any, error) {
	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, args.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to detect truncation.
	limited := io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	truncated := int64(len(body)) > f.cfg.MaxBodyBytes
	if truncated {
		body = body[:f.cfg.MaxBodyBytes]
	}

	return map[string]any{
		"content":      string(body),
		"url":          args.URL,
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"bytes":        len(body),
		"truncated":    truncated,
	}, nil
}

// isPrivateHost reports whether host is a loopback/RFC1918/link-local
// literal or a well-known local name. Hostnames that are not IP literals
// are resolved so DNS cannot smuggle a private target past the check.
func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip)
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable hosts fail later at dial time.
		return false
	}
	for _, ip := range addrs {
		if isPrivateIP(ip) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		var port int
		fmt.Sscanf(p, "%d", &port)
		return port
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
