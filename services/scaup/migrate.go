package main

import (
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/service"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := service.Load()
		if err != nil {
			return err
		}
		s, err := config.Open(cmd.Context(), mux.NewRouter(), true)
		if err != nil {
			return err
		}
		defer s.Close()
		logger.Default().Infoln("database schema", config.Schema, "is up to date")
		return nil
	},
}
