// Command novapm is the daemon and CLI front-end: `novapm daemon` runs
// the supervisor, HTTP/WebSocket API, and IPC control socket; every
// other subcommand is a thin IPC client against a running daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	socketPath string
	ipcTimeout = defaultIPCTimeout
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func main() {
	root := &cobra.Command{
		Use:   "novapm",
		Short: "novapm manages long-running processes: start, stop, restart, scale, and monitor them",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "path to the daemon's control socket")

	root.AddCommand(
		newDaemonCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newDeleteCmd(),
		newListCmd(),
		newInfoCmd(),
		newScaleCmd(),
		newLogsCmd(),
		newGroupCmd(),
		newPingCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
