package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"tidbyt.dev/bustime/config"
	"tidbyt.dev/bustime/metrics"
	"tidbyt.dev/bustime/model"
)

var rootCmd = &cobra.Command{
	Use:          "bustime",
	Short:        "Real-time bus arrivals",
	Long:         "Aggregates nearby stops and their upcoming bus arrivals",
	SilenceUsage: true,
}

var (
	configPath string
	envFiles   []string
	apiKey     string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringSliceVarP(
		&envFiles,
		"env-file",
		"",
		[]string{},
		".env file(s) to load (default .env)",
	)
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "Bus feed API key (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.Feed.APIKey = apiKey
	}
	return cfg, nil
}

// Loads config and builds services. collector may be nil.
func loadServices(collector *metrics.Collector) (*config.Config, *config.Services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	services, err := cfg.Build(cfg.NewLogger(os.Stderr), collector)
	if err != nil {
		return nil, nil, err
	}

	return cfg, services, nil
}

func parseCoordinate(args []string) (model.Coordinate, error) {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("invalid lat: %w", err)
	}
	lon, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("invalid lon: %w", err)
	}
	return model.Coordinate{Lat: lat, Lon: lon}, nil
}
