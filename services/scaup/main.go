// Command scaup runs the sample shipment service
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/scaup/core/backend"
)

var rootCmd = &cobra.Command{
	Use:   "scaup",
	Short: "Sample shipment service",
	Long: `scaup registers shipments of samples for sessions at the facility and pushes them
to ISPyB.

The configuration is read from the environment, see core/service.Config.

Examples:
  scaup serve          # run the API with the job worker
  scaup migrate        # create or update the database tables
  scaup push 42        # push shipment 42 to ISPyB as the service
  scaup refresh        # refresh the status of all pushed shipments`,
	Version:       backend.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(refreshCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
