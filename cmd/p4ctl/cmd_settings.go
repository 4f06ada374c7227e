package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/p4ctl/pkg/cli"
	"github.com/newtron-network/p4ctl/pkg/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage persistent settings",
		Long: `Manage persistent settings stored in ~/.p4ctl/settings.json.

Settings provide defaults for flags:
  - p4info:         --p4info
  - bmv2_json:      --bmv2-json
  - fleet:          --fleet
  - transcript_dir: provision --transcript-dir
  - redis_addr:     provision/status --redis

Examples:
  p4ctl settings show
  p4ctl settings set fleet /etc/p4ctl/fleet.yaml
  p4ctl settings clear`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show current settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					return fmt.Errorf("loading settings: %w", err)
				}
				fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

				t := cli.NewTable("SETTING", "VALUE")
				for _, key := range settings.Keys() {
					value, _ := s.Get(key)
					if value == "" {
						value = "(not set)"
					}
					t.Row(key, value)
				}
				t.Flush()
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <setting> <value>",
			Short: "Set a setting value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					s = &settings.Settings{}
				}
				if err := s.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := s.Save(); err != nil {
					return fmt.Errorf("saving settings: %w", err)
				}
				fmt.Printf("%s set to: %s\n", args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <setting>",
			Short: "Get a setting value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := settings.Load()
				if err != nil {
					return fmt.Errorf("loading settings: %w", err)
				}
				value, err := s.Get(args[0])
				if err != nil {
					return err
				}
				if value == "" {
					fmt.Println("(not set)")
				} else {
					fmt.Println(value)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear all settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s := &settings.Settings{}
				if err := s.Save(); err != nil {
					return fmt.Errorf("saving settings: %w", err)
				}
				fmt.Println("Settings cleared.")
				return nil
			},
		},
	)
	return cmd
}
