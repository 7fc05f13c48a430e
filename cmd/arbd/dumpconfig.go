package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var dumpConfigCommand = &cli.Command{
	Action: doDumpConfig,
	Name:   "dump-config",
	Usage:  "Print the effective configuration as YAML",
	Flags: []cli.Flag{
		configFlag,
		redisFlag,
		environmentFlag,
	},
	Description: `
Loads the configuration file, overlays the environment and flag overrides
and prints the result. Signing keys never appear in the output.
`,
}

func doDumpConfig(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if cliCtx.IsSet(redisFlag.Name) {
		cfg.RedisURL = cliCtx.String(redisFlag.Name)
	}
	if cliCtx.IsSet(environmentFlag.Name) {
		cfg.Environment = cliCtx.String(environmentFlag.Name)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
