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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/warden/pkg/config"
)

// ValidateCmd validates a configuration file: a strict lint pass for
// unknown keys and type mismatches, then the loader's semantic validation.
type ValidateCmd struct {
	Config string `arg:"" optional:"" name:"config" help:"Configuration file path (defaults to the global --config)." placeholder:"PATH"`

	PrintConfig bool `short:"p" name:"print-config" help:"Print the expanded configuration with defaults applied."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Config
	if path == "" {
		path = cli.Config
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lint, err := config.Lint(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !lint.Valid() {
		fmt.Fprintf(os.Stderr, "%s has structural problems:\n", path)
		for _, f := range lint.UnknownFields {
			fmt.Fprintf(os.Stderr, "  unknown field: %s\n", f)
		}
		for _, e := range lint.TypeErrors {
			fmt.Fprintf(os.Stderr, "  type error: %s\n", e)
		}
		os.Exit(1)
	}

	cfg, loader, err := config.LoadConfigFile(context.Background(), path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.PrintConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil
	}

	fmt.Printf("%s is valid\n", path)
	return nil
}

// SchemaCmd prints the configuration JSON Schema.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	schema, err := config.Schema()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	if !c.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(schema)
}
