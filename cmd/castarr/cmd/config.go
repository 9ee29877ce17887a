package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/castarr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing castarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  castarr config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, .castarr.yaml, /etc/castarr/config.yaml)
  - Environment variables (CASTARR_SERVER_PORT, CASTARR_RELAY_PORT, etc.)
  - Command-line flags (for some options)

Environment variables use the CASTARR_ prefix and underscores for nesting.
Example: relay.bandwidth_limit_kbps -> CASTARR_RELAY_BANDWIDTH_LIMIT_KBPS`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map, formatting durations for
// human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Load config with defaults (no file, just defaults)
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Convert to map with human-readable values
	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# castarr Configuration File")
	fmt.Println("# ===========================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 700ms, 30s, 5m")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   CASTARR_SERVER_HOST, CASTARR_SERVER_PORT")
	fmt.Println("#   CASTARR_RELAY_PORT, CASTARR_RELAY_BANDWIDTH_LIMIT_KBPS")
	fmt.Println("#   CASTARR_DISCOVERY_TIMEOUT, CASTARR_DISCOVERY_PROBE_PORT")
	fmt.Println("#   CASTARR_LOGGING_LEVEL, CASTARR_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
