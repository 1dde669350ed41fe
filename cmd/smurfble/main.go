package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scchn/smurfble/pkg/config"
)

// Injected at release time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion prefixes bare numeric versions with 'v' so --version output
// matches the release tag spelling.
func formatVersion(ver string) string {
	if ver == "" {
		return ver
	}
	if c := ver[0]; c >= '0' && c <= '9' {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "smurfble",
	Short: "Bluetooth Low Energy CLI tool",
	Long: `Bluetooth Low Energy (BLE) command-line tool that provides:

- Scan and discover nearby BLE devices, with profile and RSSI filtering
- Inspect GATT services and characteristics of a device
- Read from and write to characteristics
- Monitor characteristic changes via notifications
- Bridge a BLE UART service to a PTY for serial-like access

Ideal for firmware development, automated testing, and BLE protocol exploration.`,
	Version: formatVersion(version),
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Interrupt is a normal way to leave a long-running command
		return
	}
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
	os.Exit(1)
}

// loadConfig returns the invocation's configuration and whether it came
// from a file named by --config. Without the flag the defaults are
// returned.
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func init() {
	// main() prints its own clean errors, so keep Cobra quiet
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd, inspectCmd, readCmd, writeCmd, subscribeCmd, bridgeCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file with profiles and defaults")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
