package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	localConfigPath   = "loom.yaml"
	centralConfigPath = "mesh.yaml"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom Mesh Networking CLI",
	Long: `Loom is a peer-to-peer mesh networking system.
It keeps a link-state view of the peer graph and establishes direct, relayed and
one-to-many connections between peers, even when they cannot reach each other directly.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&localConfigPath, "node-config", "n", localConfigPath, "node-specific config")
	rootCmd.PersistentFlags().StringVarP(&centralConfigPath, "central-config", "c", centralConfigPath, "network-global config")
}
