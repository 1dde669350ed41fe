package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/bledb"
	"github.com/scchn/smurfble/session"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: `Connects to a BLE device by address and discovers its services and
characteristics. Attempts to read characteristic values when possible.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectConnectTimeout time.Duration
	inspectReadTimeout    time.Duration
	inspectVerbose        bool
	inspectJSON           bool
	inspectReadLimit      int
)

func init() {
	inspectCmd.Flags().DurationVar(&inspectConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	inspectCmd.Flags().DurationVar(&inspectReadTimeout, "read-timeout", 2*time.Second, "Timeout for reading characteristic values")
	inspectCmd.Flags().BoolVarP(&inspectVerbose, "verbose", "v", false, "Verbose output")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes to read from readable characteristics (0 to disable reads)")
}

// inspectReport is the full device picture the command renders.
type inspectReport struct {
	Address  string          `json:"address"`
	Name     string          `json:"name,omitempty"`
	RSSI     int             `json:"rssi"`
	Services []serviceReport `json:"services"`
}

type serviceReport struct {
	UUID            string       `json:"uuid"`
	Name            string       `json:"name,omitempty"`
	Characteristics []charReport `json:"characteristics"`
}

type charReport struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name,omitempty"`
	Properties string `json:"properties"`
	ValueHex   string `json:"value_hex,omitempty"`
	ValueText  string `json:"value_text,omitempty"`
	ReadError  string `json:"read_error,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if inspectVerbose {
		cfg.LogLevel = "debug"
	}

	// Past this point failures are operational, not usage mistakes
	cmd.SilenceUsage = true

	logger := cfg.NewLogger()

	connectTimeout := inspectConnectTimeout
	if !cmd.Flags().Changed("connect-timeout") && cfg.ConnectTimeout.Duration > 0 {
		connectTimeout = cfg.ConnectTimeout.Duration
	}
	opts := &session.Options{
		ScanTimeout:    cfg.ScanTimeout.Duration,
		ConnectTimeout: connectTimeout,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Inspecting device %s", address), "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	report, err := session.Run(ctx, address, opts, logger, progress.Callback(), func(sess *session.Session) (*inspectReport, error) {
		return buildInspectReport(sess)
	})
	if err != nil {
		return err
	}

	progress.Stop()

	if inspectJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	return displayInspectReport(report)
}

// buildInspectReport walks the discovered tree and reads what it can.
func buildInspectReport(sess *session.Session) (*inspectReport, error) {
	p := sess.Peripheral
	report := &inspectReport{
		Address: p.ID(),
		Name:    p.Name(),
		RSSI:    p.RSSI(),
	}

	var results <-chan valueUpdate
	if inspectReadLimit > 0 {
		results = valueSink(sess, 16)
	}

	for _, svc := range p.Services() {
		sr := serviceReport{
			UUID: svc.UUID,
			Name: svc.Name,
		}

		for _, ch := range svc.Characteristics {
			cr := charReport{
				UUID:       ch.UUID,
				Name:       ch.Name,
				Properties: ch.Properties.String(),
			}

			if inspectReadLimit > 0 && ch.Properties.Supports(adapter.PropertyRead) {
				value, err := awaitRead(sess, results, ch, inspectReadTimeout)
				switch {
				case err != nil:
					cr.ReadError = err.Error()
				default:
					if len(value) > inspectReadLimit {
						value = value[:inspectReadLimit]
					}
					cr.ValueHex = hex.EncodeToString(value)
					if printableASCII(value) {
						cr.ValueText = string(value)
					}
				}
			}

			sr.Characteristics = append(sr.Characteristics, cr)
		}

		report.Services = append(report.Services, sr)
	}

	return report, nil
}

// displayInspectReport renders the text tree.
func displayInspectReport(r *inspectReport) error {
	fmt.Printf("Device:   %s\n", r.Address)
	if r.Name != "" {
		fmt.Printf("Name:     %s\n", r.Name)
	}
	fmt.Printf("RSSI:     %d dBm\n", r.RSSI)
	fmt.Printf("Services: %d\n", len(r.Services))

	for _, svc := range r.Services {
		fmt.Printf("\nService %s\n", nameOrUUID(svc.UUID, svc.Name))
		for _, ch := range svc.Characteristics {
			fmt.Printf("  %s\n", nameOrUUID(ch.UUID, ch.Name))
			fmt.Printf("      Properties: %s\n", ch.Properties)
			switch {
			case ch.ReadError != "":
				fmt.Printf("      Value:      <read failed: %s>\n", ch.ReadError)
			case ch.ValueText != "":
				fmt.Printf("      Value:      0x%s %q\n", ch.ValueHex, ch.ValueText)
			case ch.ValueHex != "":
				fmt.Printf("      Value:      0x%s\n", ch.ValueHex)
			}
		}
	}

	return nil
}

// nameOrUUID renders "2a19 (Battery Level)" when the registry knows the
// UUID, plain UUID otherwise.
func nameOrUUID(uuid, name string) string {
	if name == "" {
		name = bledb.Lookup(uuid)
	}
	if name == "" {
		return uuid
	}
	return fmt.Sprintf("%s (%s)", uuid, name)
}
