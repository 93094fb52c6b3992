package main

import (
	"os"

	cmd "github.com/trellisnet/trellis/src/cmd/trellis/command"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewKeygenCmd(),
		cmd.NewRunCmd(),
		cmd.VersionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
