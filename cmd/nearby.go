package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/bustime"
)

var nearbyCmd = &cobra.Command{
	Use:   "nearby <lat> <lon>",
	Short: "Lists stops near a location with their upcoming buses",
	Args:  cobra.ExactArgs(2),
	RunE:  nearby,
}

var radius int

func init() {
	nearbyCmd.Flags().IntVarP(&radius, "radius", "r", 0, "Search radius in meters (overrides config)")
	rootCmd.AddCommand(nearbyCmd)
}

func nearby(cmd *cobra.Command, args []string) error {
	coord, err := parseCoordinate(args)
	if err != nil {
		return err
	}

	_, services, err := loadServices(nil)
	if err != nil {
		return err
	}
	defer services.Close()

	if radius > 0 {
		services.Aggregator.RadiusMeters = radius
	}

	merged, _, err := services.Aggregator.Nearby(context.Background(), coord)
	if err != nil {
		return err
	}

	for _, stop := range bustime.RenderStops(merged, time.Now(), services.Location) {
		distance := "?"
		if stop.Distance != nil {
			distance = fmt.Sprintf("%.2f mi", *stop.Distance)
		}
		fmt.Printf("%s (%s) %s\n", stop.StopName, stop.StopID, distance)
		for _, a := range stop.Arrivals {
			fmt.Printf("  %-5s %-24s %-14s %s\n", a.Route, a.Destination, a.StopsAwayLabel, a.ArrivalTime)
		}
	}

	return nil
}
