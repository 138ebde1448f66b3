/*
   Copyright The grimoire Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

//go:build linux

package command

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/grimoire-host/grimoire/internal/config"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Information on the grimoired config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "See the output of the default config",
			Action: func(cliContext *cli.Context) error {
				return toml.NewEncoder(os.Stdout).SetIndentTables(true).Encode(config.Default())
			},
		},
		{
			Name:  "dump",
			Usage: "See the effective config after merging the config file over defaults",
			Action: func(cliContext *cli.Context) error {
				cfg, err := loadConfig(cliContext)
				if err != nil {
					return cli.Exit(err, exitConfig)
				}
				if err := cfg.Validate(); err != nil {
					return cli.Exit(err, exitConfig)
				}
				return toml.NewEncoder(os.Stdout).SetIndentTables(true).Encode(cfg)
			},
		},
	},
}
