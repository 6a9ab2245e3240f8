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

package policy

import (
	"strings"

	"github.com/kadirpekel/warden/pkg/glob"
)

// Kind selects one of the four rule lists.
type Kind string

const (
	KindFile    Kind = "file"
	KindNetwork Kind = "network"
	KindShell   Kind = "shell"
	KindSecret  Kind = "secret"
)

// Decision is a rule's outcome.
type Decision string

const (
	Allow   Decision = "allow"
	Block   Decision = "block"
	Approve Decision = "approve"
)

// Rule is one entry in a kind's rule list. Empty matcher lists match every
// request of the rule's kind.
type Rule struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Priority int      `json:"priority"`
	Enabled  bool     `json:"enabled"`
	Decision Decision `json:"decision"`

	// file
	Paths      []string `json:"paths,omitempty"`
	Operations []string `json:"operations,omitempty"`

	// network
	Hosts     []string `json:"hosts,omitempty"`
	Ports     []int    `json:"ports,omitempty"`
	Protocols []string `json:"protocols,omitempty"`

	// shell
	Commands []string `json:"commands,omitempty"`

	// secret
	Names []string `json:"names,omitempty"`
}

// Request is one subject under evaluation. Only the fields for its kind are
// consulted.
type Request struct {
	Kind      Kind     `json:"kind"`
	Path      string   `json:"path,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Host      string   `json:"host,omitempty"`
	Port      int      `json:"port,omitempty"`
	Protocol  string   `json:"protocol,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// FileRequest describes a file access.
func FileRequest(path, operation string) Request {
	return Request{Kind: KindFile, Path: path, Operation: operation}
}

// NetworkRequest describes an outbound connection.
func NetworkRequest(host string, port int, protocol string) Request {
	return Request{Kind: KindNetwork, Host: host, Port: port, Protocol: protocol}
}

// ShellRequest describes a command execution.
func ShellRequest(command string, args ...string) Request {
	return Request{Kind: KindShell, Command: command, Args: args}
}

// SecretRequest describes a secret read by name.
func SecretRequest(name string) Request {
	return Request{Kind: KindSecret, Name: name}
}

func (r *Rule) matches(m *glob.Matcher, req Request) bool {
	if r.Kind != req.Kind {
		return false
	}
	switch req.Kind {
	case KindFile:
		if len(r.Paths) > 0 && !m.MatchAny(r.Paths, req.Path) {
			return false
		}
		if len(r.Operations) > 0 && !containsFold(r.Operations, req.Operation) {
			return false
		}
		return true
	case KindNetwork:
		if len(r.Hosts) > 0 && !m.MatchAny(r.Hosts, req.Host) {
			return false
		}
		if len(r.Ports) > 0 && !containsInt(r.Ports, req.Port) {
			return false
		}
		if len(r.Protocols) > 0 && !containsFold(r.Protocols, req.Protocol) {
			return false
		}
		return true
	case KindShell:
		if len(r.Commands) == 0 {
			return true
		}
		// Patterns are tried against the bare command and against the full
		// command line.
		if m.MatchAny(r.Commands, req.Command) {
			return true
		}
		if len(req.Args) == 0 {
			return false
		}
		full := req.Command + " " + strings.Join(req.Args, " ")
		return m.MatchAny(r.Commands, full)
	case KindSecret:
		return len(r.Names) == 0 || m.MatchAny(r.Names, req.Name)
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
