package main

import (
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/service"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the status of all pushed shipments from ISPyB once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := service.Load()
		if err != nil {
			return err
		}
		s, err := config.Open(cmd.Context(), mux.NewRouter(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.Backend.RefreshStatuses(cmd.Context())
		if err != nil {
			return err
		}
		s.Backend.ProcessJobsSync(0)
		logger.Default().Infof("refreshed status of %d shipments", n)
		return nil
	},
}
