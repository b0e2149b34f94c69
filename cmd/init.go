package cmd

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/encodeous/loom/state"
)

// initCmd generates a fresh node config and its entry for the central
// config.
var initCmd = &cobra.Command{
	Use:   "init <name>",
	Short: "Generate a new node configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if err := state.NameValidator(name); err != nil {
			return err
		}
		bindStr, _ := cmd.Flags().GetString("bind")
		var bind netip.AddrPort
		if bindStr != "" {
			var err error
			bind, err = netip.ParseAddrPort(bindStr)
			if err != nil {
				return err
			}
		} else {
			bind = netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(state.DefaultPort))
		}

		local := state.LocalCfg{
			Id:   state.NewPeerId(),
			Name: name,
			Bind: bind,
		}
		out, err := yaml.Marshal(local)
		if err != nil {
			return err
		}
		if err := os.WriteFile(localConfigPath, out, 0600); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", localConfigPath)

		// append the public half to the central config so it can be
		// shared with the rest of the mesh
		var central state.CentralCfg
		if file, err := os.ReadFile(centralConfigPath); err == nil {
			if err := yaml.Unmarshal(file, &central); err != nil {
				return err
			}
		}
		central.Peers = append(central.Peers, state.PeerCfg{
			Name:      name,
			Id:        local.Id,
			Endpoints: []netip.AddrPort{bind},
		})
		if err := state.CentralConfigValidator(&central); err != nil {
			return err
		}
		out, err = yaml.Marshal(central)
		if err != nil {
			return err
		}
		if err := os.WriteFile(centralConfigPath, out, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", centralConfigPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("bind", "", "tcp listen address, host:port")
}
