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
	"fmt"
	"log/slog"
	"os"

	warden "github.com/kadirpekel/warden"
	"github.com/kadirpekel/warden/pkg/auth"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/observability"
	"github.com/kadirpekel/warden/pkg/runtime"
	"github.com/kadirpekel/warden/pkg/server"
)

// ServeCmd starts the gateway.
type ServeCmd struct {
	Host  string `help:"Listen host override."`
	Port  int    `help:"Listen port override."`
	Dev   bool   `help:"Dev mode: static model provider, relaxed auth."`
	Watch bool   `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Host != "" {
		cfg.Gateway.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Gateway.Port = c.Port
	}
	if c.Dev {
		cfg.Gateway.DevMode = config.BoolPtr(true)
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch failed", "error", err)
			}
		}()
	}

	obs := observability.New(cfg.Observability)
	if err := obs.Start(ctx); err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	admin, err := auth.New(ctx, cfg.AdminAuth)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Config:        cfg,
		Runtime:       rt,
		Observability: obs,
		Admin:         admin,
		Version:       warden.Version,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Warden gateway ready\n")
	fmt.Printf("   WebSocket:  ws://%s/ws\n", srv.Addr())
	fmt.Printf("   Health:     http://%s/health\n", srv.Addr())
	if cfg.Observability.Metrics.IsEnabled() {
		fmt.Printf("   Metrics:    http://%s%s\n", srv.Addr(), cfg.Observability.Metrics.Path)
	}
	if cfg.Gateway.IsDevMode() {
		fmt.Printf("   Dev mode is on; do not expose this gateway.\n")
	}

	srv.Wait()
	return nil
}

// loadConfig loads from the config file, or synthesizes a dev config when
// the default file is absent and --dev was given.
func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if _, err := os.Stat(path); err != nil {
		if !c.Dev {
			return nil, nil, fmt.Errorf("config file %s: %w (use --dev to run without one)", path, err)
		}
		cfg := &config.Config{}
		cfg.Gateway.DevMode = config.BoolPtr(true)
		cfg.SetDefaults()
		return cfg, nil, nil
	}
	return config.LoadConfigFile(ctx, path)
}
