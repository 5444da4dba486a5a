// Package cmd implements the vbcb-bot command line.
package cmd

import "github.com/spf13/cobra"

type rootOptions struct {
	configPath string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "vbcb-bot",
		Short:         "Chatbox bot for vBulletin forums",
		Long:          "vbcb-bot keeps a session on a vBulletin chatbox, watches it for new and edited messages and hands them to its handlers.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (YAML, TOML or JSON); VBCB_* variables override it")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newDecompileCmd(),
		newConfigCmd(opts),
	)

	return rootCmd
}
