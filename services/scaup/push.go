package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/scaup/core/service"
)

var pushCmd = &cobra.Command{
	Use:   "push <shipmentId>...",
	Short: "Push shipments to ISPyB with the service token",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, len(args))
		for i, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || id < 1 {
				return fmt.Errorf("invalid shipment id %q", arg)
			}
			ids[i] = id
		}

		config, err := service.Load()
		if err != nil {
			return err
		}
		s, err := config.Open(cmd.Context(), mux.NewRouter(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		encoder := json.NewEncoder(os.Stdout)
		for _, id := range ids {
			links, err := s.Backend.PushShipment(cmd.Context(), "", id)
			if err != nil {
				return fmt.Errorf("push shipment %d: %w", id, err)
			}
			if err := encoder.Encode(map[string]interface{}{"shipmentId": id, "links": links}); err != nil {
				return err
			}
		}
		// deliver the push notifications before exiting
		s.Backend.ProcessJobsSync(0)
		return nil
	},
}
