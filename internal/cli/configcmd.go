package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccproxy/ccproxy/internal/config"
)

// ConfigCommand groups configuration subcommands.
func ConfigCommand(appConfig *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(configShowCommand(appConfig))
	cmd.AddCommand(configPathCommand(appConfig))
	return cmd
}

func configShowCommand(appConfig *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appConfig.Get()
			if cfg.AuthToken != "" {
				cfg.AuthToken = mask(cfg.AuthToken)
			}
			for name, p := range cfg.Providers {
				if p.APIKey != "" {
					p.APIKey = mask(p.APIKey)
					cfg.Providers[name] = p
				}
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func configPathCommand(appConfig *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(appConfig.ConfigFile())
		},
	}
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
