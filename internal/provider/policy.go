// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// CheckHost verifies that rawURL targets one of the allowed hosts.
// An empty allow list denies everything: skills with outbound network
// access must name their hosts. Wildcard entries like "*.openai.com"
// match one level of subdomain.
func CheckHost(rawURL string, allowed []string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &enginerrors.PolicyError{
			Kind: "network", Target: rawURL,
			Message: "not a valid absolute URL",
		}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return &enginerrors.PolicyError{
			Kind: "network", Target: rawURL,
			Message: fmt.Sprintf("scheme %q is not allowed", u.Scheme),
		}
	}

	host := u.Hostname()
	for _, pattern := range allowed {
		if hostMatches(host, pattern) {
			return nil
		}
	}
	return &enginerrors.PolicyError{
		Kind: "network", Target: host,
		Message: "host is not in the skill's allowed_hosts",
	}
}

func hostMatches(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}

	// Allow list entries may carry a port; compare hosts only.
	if h, _, err := net.SplitHostPort(pattern); err == nil {
		pattern = h
	}

	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		if host == rest {
			return true
		}
		suffix := "." + rest
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		// exactly one extra label
		return !strings.Contains(strings.TrimSuffix(host, suffix), ".")
	}
	return host == pattern
}
