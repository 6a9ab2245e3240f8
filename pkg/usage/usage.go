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

// Package usage meters per-agent request, tool-call, token, and cost
// consumption against the budgets configured for the agent. The dispatcher
// consults the meter before admitting a task and folds actual consumption
// back in after execution; the meter itself never writes audit records or
// publishes alerts.
package usage

import "github.com/kadirpekel/warden/pkg/protocol"

// Kind names the budget a violation tripped.
type Kind string

const (
	KindRequests  Kind = "requests"
	KindToolCalls Kind = "tool_calls"
	KindTokens    Kind = "tokens"
	KindCost      Kind = "cost"
)

// Violation reports one exceeded budget. It implements error with the
// caller-visible message for its kind.
type Violation struct {
	Kind    Kind
	Current float64
	Limit   float64
}

func (v *Violation) Error() string {
	switch v.Kind {
	case KindRequests:
		return "Rate limit exceeded: requests per minute"
	case KindToolCalls:
		return "Rate limit exceeded: tool calls per minute"
	case KindTokens:
		return "Rate limit exceeded: tokens per minute"
	case KindCost:
		return "Cost budget exceeded"
	default:
		return "Rate limit exceeded"
	}
}

// Code maps the violation to its wire error code.
func (v *Violation) Code() protocol.ErrorCode {
	if v.Kind == KindCost {
		return protocol.CodeBudgetExceeded
	}
	return protocol.CodeRateLimited
}

// AuditAction returns the audit action recorded for this violation.
func (v *Violation) AuditAction() string {
	if v.Kind == KindCost {
		return "budget.exceeded"
	}
	return "rate_limit.exceeded"
}

// Typed converts the violation into the wire error handed back to the caller.
func (v *Violation) Typed() *protocol.Error {
	return protocol.NewError(v.Code(), v.Error())
}
