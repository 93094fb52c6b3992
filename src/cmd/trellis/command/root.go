package command

import (
	"github.com/spf13/cobra"
	"github.com/trellisnet/trellis/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for trellis
var RootCmd = &cobra.Command{
	Use:              "trellis",
	Short:            "trellis network node",
	TraverseChildren: true,
}
