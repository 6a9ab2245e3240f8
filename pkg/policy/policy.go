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

// Package policy evaluates file, network, shell, and secret requests against
// prioritized glob rules.
//
// Evaluation per kind: enabled rules sorted by priority descending, first
// match decides, otherwise the set's default decision applies. Every
// evaluation lands in a bounded audit ring. The rule set is immutable after
// construction; configuration reloads build a new engine.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/glob"
)

// Verdict is the outcome of one evaluation. RuleID names the deciding rule,
// or is empty when the default decision applied.
type Verdict struct {
	Decision Decision `json:"decision"`
	RuleID   string   `json:"ruleId,omitempty"`
}

// Allowed reports whether the request may proceed without approval.
func (v Verdict) Allowed() bool {
	return v.Decision == Allow
}

// Engine holds the four rule lists and the evaluation audit ring.
type Engine struct {
	matcher         *glob.Matcher
	defaultDecision Decision
	rules           map[Kind][]Rule
	ring            *auditRing
}

// NewEngine builds an engine from configuration. With hardened set, a
// permissive default decision is a construction error.
func NewEngine(cfg *config.PolicyConfig, hardened bool) (*Engine, error) {
	if cfg == nil {
		cfg = &config.PolicyConfig{}
		cfg.SetDefaults()
	}

	defaultDecision := Decision(cfg.DefaultDecision)
	if defaultDecision == "" {
		defaultDecision = Block
	}
	if hardened && defaultDecision != Block {
		return nil, fmt.Errorf("production hardening requires default decision %q, got %q", Block, defaultDecision)
	}

	e := &Engine{
		matcher:         &glob.Matcher{Home: cfg.HomeDir},
		defaultDecision: defaultDecision,
		rules:           make(map[Kind][]Rule),
		ring:            newAuditRing(cfg.MaxAuditEntries),
	}

	for i, rc := range cfg.Rules {
		rule := Rule{
			ID:         rc.ID,
			Kind:       Kind(rc.Kind),
			Priority:   rc.Priority,
			Enabled:    config.BoolValue(rc.Enabled, true),
			Decision:   Decision(rc.Decision),
			Paths:      rc.Paths,
			Operations: rc.Operations,
			Hosts:      rc.Hosts,
			Ports:      rc.Ports,
			Protocols:  rc.Protocols,
			Commands:   rc.Commands,
			Names:      rc.Names,
		}
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("rule-%d", i)
		}
		e.rules[rule.Kind] = append(e.rules[rule.Kind], rule)
	}

	// Enumerated allow-lists fold in as allow rules at priority 0, after the
	// configured rules so equal-priority configured rules win.
	if len(cfg.AllowedPaths) > 0 {
		e.rules[KindFile] = append(e.rules[KindFile], Rule{
			ID: "config:allowed_paths", Kind: KindFile, Enabled: true,
			Decision: Allow, Paths: cfg.AllowedPaths,
		})
	}
	if len(cfg.AllowedDomains) > 0 {
		e.rules[KindNetwork] = append(e.rules[KindNetwork], Rule{
			ID: "config:allowed_domains", Kind: KindNetwork, Enabled: true,
			Decision: Allow, Hosts: cfg.AllowedDomains,
		})
	}
	if len(cfg.AllowedCommands) > 0 {
		e.rules[KindShell] = append(e.rules[KindShell], Rule{
			ID: "config:allowed_commands", Kind: KindShell, Enabled: true,
			Decision: Allow, Commands: cfg.AllowedCommands,
		})
	}

	for kind := range e.rules {
		list := e.rules[kind]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority > list[j].Priority
		})
	}

	return e, nil
}

// DefaultDecision returns the decision applied when no rule matches.
func (e *Engine) DefaultDecision() Decision {
	return e.defaultDecision
}

// Evaluate runs the request through its kind's rule list and records the
// outcome in the audit ring.
func (e *Engine) Evaluate(req Request) Verdict {
	verdict := Verdict{Decision: e.defaultDecision}
	for i := range e.rules[req.Kind] {
		rule := &e.rules[req.Kind][i]
		if !rule.Enabled {
			continue
		}
		if rule.matches(e.matcher, req) {
			verdict = Verdict{Decision: rule.Decision, RuleID: rule.ID}
			break
		}
	}

	e.ring.add(AuditEntry{
		Time:     time.Now().UTC(),
		Request:  req,
		Decision: verdict.Decision,
		RuleID:   verdict.RuleID,
	})
	return verdict
}

// Audit returns the retained evaluation entries, oldest first.
func (e *Engine) Audit() []AuditEntry {
	return e.ring.snapshot()
}

// Rules returns the rule list for a kind in evaluation order.
func (e *Engine) Rules(kind Kind) []Rule {
	out := make([]Rule, len(e.rules[kind]))
	copy(out, e.rules[kind])
	return out
}
