package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tidbyt.dev/bustime"
)

var routeStopsCmd = &cobra.Command{
	Use:   "route-stops <route_id> <stop_name>",
	Short: "Lists the stops of the route direction serving a stop",
	Args:  cobra.ExactArgs(2),
	RunE:  routeStops,
}

var stopsAway int

func init() {
	routeStopsCmd.Flags().IntVarP(&stopsAway, "stops-away", "s", -1, "Mark a bus this many stops before the stop")
	rootCmd.AddCommand(routeStopsCmd)
}

func routeStops(cmd *cobra.Command, args []string) error {
	routeID, stopName := args[0], args[1]

	_, services, err := loadServices(nil)
	if err != nil {
		return err
	}
	defer services.Close()

	seq, err := services.Resolver.ResolveDirection(context.Background(), routeID, stopName)
	if err != nil {
		return err
	}
	if !seq.Found {
		return fmt.Errorf("no direction of %s serves '%s'", routeID, stopName)
	}

	busIndex := -1
	if stopsAway >= 0 {
		pos := bustime.EstimatePosition(seq.StopNames, stopName, stopsAway)
		busIndex = pos.BusIndex
		if pos.IsBeyondVisibleRange {
			fmt.Printf("(bus is %d stops before the first stop)\n", pos.OverflowCount)
		}
	}

	ref := bustime.NormalizeStopName(stopName)
	for i, name := range seq.StopNames {
		marker := " "
		if bustime.NormalizeStopName(name) == ref {
			marker = "*"
		}
		if i == busIndex {
			marker = "B"
		}
		fmt.Printf("%s %s\n", marker, name)
	}
	fmt.Printf("direction %s, going %s\n", seq.DirectionID, bustime.TravelDirection(seq.StopNames, stopName))

	return nil
}
