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

// Package secrets exposes whitelisted environment credentials to skill
// handlers. Keys outside the whitelist read as absent and the denial is
// logged; handler code never learns whether the variable exists.
package secrets

import (
	"log/slog"
	"os"
	"sort"
	"sync"
)

// PrefixOverride is consulted before the plain environment variable:
// SKILL_SECRET_<KEY> takes precedence over <KEY>.
const PrefixOverride = "SKILL_SECRET_"

// defaultWhitelist is the built-in set of keys handlers may read.
var defaultWhitelist = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"GEMINI_API_KEY",
	"LITELLM_MASTER_KEY",
	"LITELLM_BASE_URL",
}

// Accessor is a read-only view over the whitelisted environment.
// The allowed key set is immutable after construction.
type Accessor struct {
	allowed map[string]bool
	keys    []string
	logger  *slog.Logger

	mu     sync.Mutex
	denied map[string]bool // keys already logged, to avoid log spam
}

// NewAccessor builds an accessor over the default whitelist plus any
// configured additions. Logger may be nil.
func NewAccessor(additional []string, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(defaultWhitelist)+len(additional))
	for _, k := range defaultWhitelist {
		allowed[k] = true
	}
	for _, k := range additional {
		if k != "" {
			allowed[k] = true
		}
	}

	keys := make([]string, 0, len(allowed))
	for k := range allowed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &Accessor{
		allowed: allowed,
		keys:    keys,
		logger:  logger,
		denied:  make(map[string]bool),
	}
}

// Get returns the secret value for key. Unauthorized keys return
// ("", false) and log a denial once per key.
func (a *Accessor) Get(key string) (string, bool) {
	if !a.allowed[key] {
		a.logDenial(key)
		return "", false
	}

	if v := os.Getenv(PrefixOverride + key); v != "" {
		return v, true
	}
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	return "", false
}

// Has reports whether key is whitelisted and set.
func (a *Accessor) Has(key string) bool {
	_, ok := a.Get(key)
	return ok
}

// Keys returns the whitelisted key names in sorted order, regardless of
// whether they are set.
func (a *Accessor) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

func (a *Accessor) logDenial(key string) {
	a.mu.Lock()
	already := a.denied[key]
	a.denied[key] = true
	a.mu.Unlock()

	if !already {
		a.logger.Warn("denied secret access", "key", key)
	}
}
