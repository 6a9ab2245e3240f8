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

// Package glob implements the gateway's pattern language, shared by the
// policy engine, the capability store and tool allow-lists.
//
// Semantics:
//   - `*`  matches any run of characters except `/`
//   - `**` matches any run of characters including `/`
//   - `?`  matches exactly one character
//   - a leading `~` is expanded with the configured home directory
//
// Subjects that look like file paths (leading `/`, `~`, `./`, `../`) are
// percent-decoded and cleaned before matching. A subject that carries a
// path-traversal sequence before normalization never matches anything:
// rejection happens on the raw input, not the cleaned form.
package glob

import (
	"net/url"
	"os"
	"path"
	"strings"
)

// MaxPatternsPerCheck bounds how many patterns a single check evaluates.
const MaxPatternsPerCheck = 1000

// Matcher carries the environment hints pattern expansion needs.
// The zero value resolves the home directory from the process environment.
type Matcher struct {
	// Home replaces a leading `~` in patterns and subjects.
	Home string
}

// Default is a matcher using the process environment for home expansion.
var Default = &Matcher{}

// Match reports whether subject matches pattern under the gateway glob rules.
func Match(pattern, subject string) bool {
	return Default.Match(pattern, subject)
}

// MatchAny reports whether subject matches any of the patterns. At most
// MaxPatternsPerCheck patterns are evaluated.
func MatchAny(patterns []string, subject string) bool {
	return Default.MatchAny(patterns, subject)
}

// ContainsTraversal reports whether s carries a path-traversal sequence in
// raw or percent-encoded form. The check runs on the input as received, then
// again after up to two rounds of percent-decoding, so double-encoded
// sequences are caught too.
func ContainsTraversal(s string) bool {
	stage := s
	for i := 0; i < 3; i++ {
		lower := strings.ToLower(stage)
		if strings.Contains(lower, "../") ||
			strings.Contains(lower, `..\`) ||
			lower == ".." ||
			strings.HasSuffix(lower, "/..") ||
			strings.HasSuffix(lower, `\..`) {
			return true
		}
		decoded, err := url.PathUnescape(stage)
		if err != nil || decoded == stage {
			break
		}
		stage = decoded
	}
	return false
}

func (m *Matcher) home() string {
	if m != nil && m.Home != "" {
		return m.Home
	}
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "/"
}

// Match reports whether subject matches pattern.
func (m *Matcher) Match(pattern, subject string) bool {
	if pattern == "" {
		return false
	}
	// Traversal sequences never match, whatever the pattern. The check runs
	// on the raw subject, before any decoding or cleanup.
	if ContainsTraversal(subject) {
		return false
	}
	pattern = m.expandHome(pattern)
	if looksLikePath(subject) {
		subject = m.normalizePath(subject)
	}
	return matchSeq(pattern, subject)
}

// MatchAny evaluates subject against at most MaxPatternsPerCheck patterns.
func (m *Matcher) MatchAny(patterns []string, subject string) bool {
	if len(patterns) > MaxPatternsPerCheck {
		patterns = patterns[:MaxPatternsPerCheck]
	}
	for _, p := range patterns {
		if p == "*" || p == "**" {
			return true
		}
		if m.Match(p, subject) {
			return true
		}
	}
	return false
}

func (m *Matcher) expandHome(s string) string {
	if s == "~" {
		return m.home()
	}
	if strings.HasPrefix(s, "~/") {
		return m.home() + s[1:]
	}
	return s
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "~") ||
		strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../")
}

// normalizePath percent-decodes and cleans a traversal-free path subject.
func (m *Matcher) normalizePath(s string) string {
	if decoded, err := url.PathUnescape(s); err == nil {
		s = decoded
	}
	s = m.expandHome(s)
	cleaned := path.Clean(s)
	if strings.HasSuffix(s, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// matchSeq is a backtracking matcher over the raw pattern.
func matchSeq(p, s string) bool {
	if p == "" {
		return s == ""
	}
	if strings.HasPrefix(p, "**") {
		rest := p[2:]
		if rest == "" {
			return true
		}
		for i := 0; i <= len(s); i++ {
			if matchSeq(rest, s[i:]) {
				return true
			}
		}
		return false
	}
	switch p[0] {
	case '*':
		rest := p[1:]
		for i := 0; ; i++ {
			if matchSeq(rest, s[i:]) {
				return true
			}
			if i >= len(s) || s[i] == '/' {
				return false
			}
		}
	case '?':
		if s == "" {
			return false
		}
		return matchSeq(p[1:], s[1:])
	default:
		if s == "" || s[0] != p[0] {
			return false
		}
		return matchSeq(p[1:], s[1:])
	}
}
