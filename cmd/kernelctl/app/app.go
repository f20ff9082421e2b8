// Package app implements kernelctl's command tree: a thin JSON-RPC client
// against the kerneld façade socket, grounded on the same root-command/
// subcommand cobra shape the daemon itself uses.
package app

import (
	"github.com/spf13/cobra"
)

const defaultSocket = "/run/ocapkernel/kerneld.sock"

// Command builds kernelctl's root cobra command.
func Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "kernelctl",
		Short: "kernelctl is the diagnostic CLI for a running kerneld daemon.",
	}
	root.PersistentFlags().String("socket", defaultSocket, "path to kerneld's façade Unix-domain socket")

	root.AddCommand(
		launchCommand(),
		invokeCommand(),
		terminateVatCommand(),
		reloadSubclusterCommand(),
		terminateSubclusterCommand(),
		gcCommand(),
		urlCommand(),
		queryCommand(),
		viewCommand(),
		inspectCommand(),
		pingCommand(),
	)
	return root
}

func socketFlag(cmd *cobra.Command) (*client, error) {
	path, err := cmd.Flags().GetString("socket")
	if err != nil {
		return nil, err
	}
	return newClient(path), nil
}
