package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				}
			}
			data, err := yaml.Marshal(defaultConfigDocument())
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "voicerelay.yaml", "Where to write the config file.")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file.")
	return cmd
}

func defaultConfigDocument() map[string]any {
	return map[string]any{
		"telegram": map[string]any{
			"bot_token":        "",
			"base_url":         "https://api.telegram.org",
			"poll_timeout":     "30s",
			"allowed_user_ids": []string{},
			"max_concurrency":  8,
			"task_timeout":     "5m",
		},
		"pipeline": map[string]any{
			"base_url":        "http://127.0.0.1:8000",
			"request_timeout": "90s",
			"search_limit":    5,
		},
		"directory": map[string]any{
			"base_url":        "http://127.0.0.1:8100",
			"request_timeout": "15s",
		},
		"storage": map[string]any{
			"dir":             "/var/lib/voicerelay",
			"max_age":         "168h",
			"max_files":       1000,
			"max_total_bytes": 512 * 1024 * 1024,
		},
		"notify": map[string]any{
			"listen": ":8080",
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "text",
		},
	}
}
