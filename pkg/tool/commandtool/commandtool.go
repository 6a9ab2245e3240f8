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

// Package commandtool provides builtin:shell_exec. Commands run as a bare
// argv with no shell interpretation, must pass the policy engine's shell
// rules, and are killed on timeout. The tool is only registered when the
// gateway has at least one shell allow rule; see Enabled.
package commandtool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/policy"
	"github.com/kadirpekel/warden/pkg/tool"
	"github.com/kadirpekel/warden/pkg/tool/functiontool"
)

// ExecArgs names the command and its argument vector. There is no shell
// expansion: the command runs exactly as given.
type ExecArgs struct {
	Command string   `json:"command" jsonschema:"required,description=Executable to run (no shell expansion)"`
	Args    []string `json:"args,omitempty" jsonschema:"description=Argument vector"`
	Stdin   string   `json:"stdin,omitempty" jsonschema:"description=Data piped to standard input"`
}

// Enabled reports whether the policy engine carries any enabled shell
// allow rule. Without one, every execution would be blocked, so the
// gateway skips registering the tool entirely.
func Enabled(engine *policy.Engine) bool {
	if engine == nil {
		return false
	}
	for _, rule := range engine.Rules(policy.KindShell) {
		if rule.Enabled && rule.Decision == policy.Allow {
			return true
		}
	}
	return false
}

// New builds the shell_exec tool.
func New(cfg *config.CommandToolConfig, engine *policy.Engine) (tool.Tool, error) {
	if cfg == nil {
		cfg = &config.CommandToolConfig{}
		cfg.SetDefaults()
	}

	r := &runner{cfg: cfg, engine: engine}

	return functiontool.NewWithValidation(
		tool.Definition{
			ID:                   "builtin:shell_exec",
			Name:                 "shell_exec",
			Description:          "Execute an allow-listed command and return its combined output.",
			Category:             "system",
			Tags:                 []string{"system", "shell"},
			RequiredPermissions:  []string{"system.execute"},
			RequiresConfirmation: true,
			ResourceArg:          "command",
		},
		r.run,
		r.validate,
	)
}

type runner struct {
	cfg    *config.CommandToolConfig
	engine *policy.Engine
}

func (r *runner) validate(args ExecArgs) error {
	if strings.TrimSpace(args.Command) == "" {
		return fmt.Errorf("command is required")
	}
	// Reject anything smuggling shell metacharacters into the command name.
	if strings.ContainsAny(args.Command, ";|&$`<>(){}") {
		return fmt.Errorf("command contains shell metacharacters")
	}
	if r.engine == nil {
		return fmt.Errorf("command execution is disabled")
	}
	if verdict := r.engine.Evaluate(policy.ShellRequest(args.Command, args.Args...)); !verdict.Allowed() {
		return fmt.Errorf("command blocked by policy: %s", args.Command)
	}
	return nil
}

func (r *runner) run(ctx context.Context, callerID string, args ExecArgs) (map[string]any, error) {
	timeout := r.cfg.Timeout.OrDefault(60 * time.Second)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, args.Command, args.Args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	if args.Stdin != "" {
		cmd.Stdin = strings.NewReader(args.Stdin)
	}

	var buf bytes.Buffer
	limited := &limitWriter{w: &buf, remaining: r.cfg.MaxOutputBytes}
	cmd.Stdout = limited
	cmd.Stderr = limited

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	if execCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	return map[string]any{
		"content":     buf.String(),
		"command":     args.Command,
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
		"truncated":   limited.truncated,
	}, nil
}

// limitWriter caps combined output; overflow is discarded, not an error,
// so the command can finish and report its exit code.
type limitWriter struct {
	w         *bytes.Buffer
	remaining int64
	truncated bool
}

func (l *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if l.remaining <= 0 {
		l.truncated = true
		return n, nil
	}
	if int64(n) > l.remaining {
		l.truncated = true
		_, _ = l.w.Write(p[:l.remaining])
		l.remaining = 0
		return n, nil
	}
	l.remaining -= int64(n)
	return l.w.Write(p)
}
