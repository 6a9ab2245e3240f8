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

package model

import "strings"

// Rate is the price of one thousand tokens in USD.
type Rate struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

type rateRule struct {
	match string
	rate  Rate
}

// RateTable prices completions per model. Configured overrides match
// the model name exactly; the built-in rules are scanned in order and
// the first rule whose match occurs in the name wins, so more specific
// names must precede their prefixes. Unknown models get the fallback
// rate.
type RateTable struct {
	overrides []rateRule
	rules     []rateRule
	fallback  Rate
}

// builtinRates covers the model families the providers route to.
// Local and static models are free.
var builtinRates = []rateRule{
	{"gpt-4o-mini", Rate{0.00015, 0.0006}},
	{"gpt-4o", Rate{0.0025, 0.01}},
	{"gpt-4.1-mini", Rate{0.0004, 0.0016}},
	{"gpt-4.1", Rate{0.002, 0.008}},
	{"gpt-4", Rate{0.03, 0.06}},
	{"gpt-3.5", Rate{0.0005, 0.0015}},
	{"o1-mini", Rate{0.0011, 0.0044}},
	{"o1", Rate{0.015, 0.06}},
	{"o3-mini", Rate{0.0011, 0.0044}},
	{"o3", Rate{0.002, 0.008}},
	{"opus", Rate{0.015, 0.075}},
	{"sonnet", Rate{0.003, 0.015}},
	{"haiku", Rate{0.0008, 0.004}},
	{"gemini-1.5-pro", Rate{0.00125, 0.005}},
	{"gemini-1.5-flash", Rate{0.000075, 0.0003}},
	{"gemini-2.0-flash", Rate{0.0001, 0.0004}},
	{"gemini", Rate{0.00125, 0.005}},
	{"llama", Rate{0, 0}},
	{"mistral", Rate{0, 0}},
	{"mixtral", Rate{0, 0}},
	{"qwen", Rate{0, 0}},
	{"gemma", Rate{0, 0}},
	{"phi", Rate{0, 0}},
	{"deepseek", Rate{0, 0}},
	{"static", Rate{0, 0}},
}

func NewRateTable() *RateTable {
	return &RateTable{
		rules:    builtinRates,
		fallback: Rate{0.0025, 0.01},
	}
}

// Set registers a per-model override.
func (t *RateTable) Set(model string, rate Rate) {
	model = strings.ToLower(model)
	for i, rule := range t.overrides {
		if rule.match == model {
			t.overrides[i].rate = rate
			return
		}
	}
	t.overrides = append(t.overrides, rateRule{match: model, rate: rate})
}

// Rate returns the price of the given model.
func (t *RateTable) Rate(model string) Rate {
	name := strings.ToLower(model)
	for _, rule := range t.overrides {
		if rule.match == name {
			return rule.rate
		}
	}
	for _, rule := range t.rules {
		if strings.Contains(name, rule.match) {
			return rule.rate
		}
	}
	return t.fallback
}

// Cost prices one completion in USD.
func (t *RateTable) Cost(model string, inputTokens, outputTokens int) float64 {
	rate := t.Rate(model)
	return float64(inputTokens)/1000*rate.Input + float64(outputTokens)/1000*rate.Output
}
