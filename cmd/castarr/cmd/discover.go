package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/castarr/internal/config"
	"github.com/jmylchreest/castarr/internal/discovery"
	"github.com/jmylchreest/castarr/internal/upnp"
)

var (
	discoverTimeout time.Duration
	discoverJSON    bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover DLNA renderers on the local network",
	Long: `Search the local network for DLNA/UPnP media renderers.

Renderers are found via SSDP multicast search. Devices that do not answer
multicast (some TVs drop it) are found by probing the local subnet
directly.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 0, "discovery timeout (default from config)")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "output discovered devices as JSON")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if discoverTimeout > 0 {
		cfg.Discovery.Timeout = discoverTimeout
	}

	service := discovery.NewService(cfg.Discovery).WithLogger(slog.Default())
	if !discoverJSON {
		service.OnDeviceFound(func(d upnp.Device) {
			fmt.Printf("  %s\n    udn:      %s\n    location: %s\n", d.Name, d.UDN, d.Location)
		})
		fmt.Printf("Searching for renderers (%s)...\n", cfg.Discovery.Timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.Timeout+5*time.Second)
	defer cancel()

	devices, err := service.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovering renderers: %w", err)
	}

	if discoverJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(devices); err != nil {
			return fmt.Errorf("encoding devices: %w", err)
		}
		return nil
	}

	if len(devices) == 0 {
		fmt.Println("No renderers found.")
		return nil
	}
	fmt.Printf("Found %d renderer(s).\n", len(devices))
	return nil
}
