package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <lat> <lon>",
	Short: "Prints stops and arrivals near a location as JSON",
	Args:  cobra.ExactArgs(2),
	RunE:  aggregate,
}

func init() {
	rootCmd.AddCommand(aggregateCmd)
}

func aggregate(cmd *cobra.Command, args []string) error {
	coord, err := parseCoordinate(args)
	if err != nil {
		return err
	}

	_, services, err := loadServices(nil)
	if err != nil {
		return err
	}
	defer services.Close()

	payload, err := services.Aggregator.Aggregate(context.Background(), coord)
	if err != nil {
		return err
	}

	buf, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	fmt.Println(string(buf))

	return nil
}
