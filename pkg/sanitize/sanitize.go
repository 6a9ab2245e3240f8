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

// Package sanitize inspects user-supplied text before it reaches a model or
// a tool. Three detectors run depending on where the text is headed:
// prompt-injection imperatives (always), path-traversal markers (always),
// and shell metacharacters (only for text bound for a shell argument).
//
// The report is advisory; whether an unsafe report rejects the task is the
// caller's decision.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/kadirpekel/warden/pkg/glob"
)

// Context says where the inspected text is headed.
type Context string

const (
	// ContextChat marks text bound for a model as a user message.
	ContextChat Context = "chat"

	// ContextToolArg marks a generic tool argument.
	ContextToolArg Context = "tool_arg"

	// ContextShellArg marks text bound for a shell command line. The shell
	// metacharacter detector only runs in this context.
	ContextShellArg Context = "shell_arg"
)

// Warning strings are stable so callers can classify reports.
const (
	WarnInjection = "potential prompt injection detected"
	WarnTraversal = "path traversal sequence detected"
	WarnShellMeta = "shell metacharacters detected"
)

// Report is the outcome of one inspection. Safe is false when any detector
// fired.
type Report struct {
	Safe     bool     `json:"safe"`
	Warnings []string `json:"warnings,omitempty"`
}

// Has reports whether the report carries the given warning.
func (r Report) Has(warning string) bool {
	for _, w := range r.Warnings {
		if w == warning {
			return true
		}
	}
	return false
}

var injectionPatterns = []*regexp.Regexp{
	// "ignore all previous instructions", "disregard your prior rules"
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget|discard|override)\b[^.!?\n]{0,40}\b(previous|prior|above|earlier|initial|original|system)\b[^.!?\n]{0,40}\b(instruction|prompt|rule|directive|message|context)`),
	// "reveal the system prompt", "print your instructions"
	regexp.MustCompile(`(?i)\b(reveal|show|print|display|output|repeat|leak|expose)\b[^.!?\n]{0,40}\b(system|initial|hidden|developer)?\s*\b(prompt|instructions|directives)\b`),
	// "output your secrets", "leak the api key"
	regexp.MustCompile(`(?i)\b(reveal|show|print|display|output|leak|expose|send|exfiltrate)\b[^.!?\n]{0,40}\b(secret|credential|api[\s_-]?key|password|private[\s_-]?key|token)s?\b`),
	// role or instruction override markers
	regexp.MustCompile(`(?i)\bnew\s+(system\s+)?instructions?\s*:`),
	regexp.MustCompile(`(?i)\byou\s+are\s+no\s+longer\b`),
	regexp.MustCompile(`(?i)^\s*system\s*:`),
}

// shellMetaTokens are command-chaining and redirection tokens that have no
// place inside a single shell argument.
var shellMetaTokens = []string{
	"&&", "||", ";", "|", "`", "$(", ">", "<", "\n",
}

// Sanitizer runs the detector set. The zero value is usable.
type Sanitizer struct{}

// Default is the shared sanitizer.
var Default = &Sanitizer{}

// Inspect runs the detectors appropriate for where and reports the result.
func Inspect(text string, where Context) Report {
	return Default.Inspect(text, where)
}

// Inspect runs the detectors appropriate for where and reports the result.
func (s *Sanitizer) Inspect(text string, where Context) Report {
	var warnings []string

	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			warnings = append(warnings, WarnInjection)
			break
		}
	}

	if glob.ContainsTraversal(text) {
		warnings = append(warnings, WarnTraversal)
	}

	if where == ContextShellArg && containsShellMeta(text) {
		warnings = append(warnings, WarnShellMeta)
	}

	return Report{Safe: len(warnings) == 0, Warnings: warnings}
}

func containsShellMeta(text string) bool {
	for _, token := range shellMetaTokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}
