package cmd

import (
	"github.com/encodeous/loom/core"
	"github.com/encodeous/loom/state"
	"github.com/encodeous/loom/transport"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a loom node",
	Long:  `This will run a loom node on the current host, joining the mesh described by the central config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		return core.Bootstrap(centralConfigPath, localConfigPath, logPath, verbose,
			&logDelegate{},
			[]state.TransportModule{transport.NewTCPTransport()},
		)
	},
}

// logDelegate reports mesh events; inbound streams are logged and kept
// open until the remote side closes them.
type logDelegate struct{}

func (d *logDelegate) DidFindNode(s *state.State, node *core.Node) {
	route := node.ReachableVia()
	s.Log.Info("found node", "peer", node.Id, "via", route.NextHop, "cost", route.Cost)
}

func (d *logDelegate) DidLoseNode(s *state.State, node *core.Node) {
	s.Log.Info("lost node", "peer", node.Id)
}

func (d *logDelegate) DidImproveRoute(s *state.State, node *core.Node) {
	route := node.ReachableVia()
	s.Log.Info("route improved", "peer", node.Id, "via", route.NextHop, "cost", route.Cost)
}

func (d *logDelegate) HandleConnection(s *state.State, source *core.Node, conn state.Connection) {
	log := s.Log
	conn.OnData(func(data []byte) {
		log.Info("received", "from", source.Id, "bytes", len(data))
	})
	conn.OnClose(func(reason error) {
		log.Info("stream closed", "from", source.Id, "reason", reason)
	})
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	runCmd.Flags().String("log", "", "also write logs to this file")
}
