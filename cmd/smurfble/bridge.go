package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/session"
	"github.com/scchn/smurfble/uart"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Create a PTY bridge to a BLE device",
	Long: fmt.Sprintf(`Creates a bidirectional PTY (pseudoterminal) bridge to a BLE device,
allowing applications that expect a serial port to communicate with BLE devices.

The bridge creates a virtual serial device (e.g., /dev/pts/3) that applications
can connect to. Data written to the PTY is sent to the BLE device via the Nordic
UART Service, and data received from the device is written to the PTY.

This is useful for:
- Connecting terminal emulators to BLE devices
- Using existing serial applications with BLE devices
- Testing and debugging BLE serial communication
- Integrating BLE devices with legacy serial software

Example:
  smurfble bridge %s
  smurfble bridge --service=custom-uuid %s
  smurfble bridge --symlink /tmp/ble-device %s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeServiceUUID    string
	bridgeRXCharUUID     string
	bridgeTXCharUUID     string
	bridgeConnectTimeout time.Duration
	bridgeChunkSize      int
	bridgeSymlink        string
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeServiceUUID, "service", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "BLE service UUID to bridge with")
	bridgeCmd.Flags().StringVar(&bridgeRXCharUUID, "rx-char", "6E400002-B5A3-F393-E0A9-E50E24DCCA9E", "Characteristic the bridge writes terminal input to")
	bridgeCmd.Flags().StringVar(&bridgeTXCharUUID, "tx-char", "6E400003-B5A3-F393-E0A9-E50E24DCCA9E", "Characteristic the bridge subscribes to for terminal output")
	bridgeCmd.Flags().DurationVar(&bridgeConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	bridgeCmd.Flags().IntVar(&bridgeChunkSize, "chunk", 0, "Force writes into N-byte chunks; default 0, auto-detect from MTU")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	deviceAddress := args[0]

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// Past this point failures are operational, not usage mistakes
	cmd.SilenceUsage = true

	// Ctrl+C tears the bridge down
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", deviceAddress), "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	connectTimeout := bridgeConnectTimeout
	if !cmd.Flags().Changed("connect-timeout") && cfg.ConnectTimeout.Duration > 0 {
		connectTimeout = cfg.ConnectTimeout.Duration
	}
	// No scan profile filter here: plenty of UART peripherals do not
	// advertise the service they serve.
	opts := &session.Options{
		ScanTimeout:    cfg.ScanTimeout.Duration,
		ConnectTimeout: connectTimeout,
	}

	_, err = session.Run(ctx, deviceAddress, opts, logger, progress.Callback(), func(sess *session.Session) (any, error) {
		// Subscription confirmation arrives through the observer
		states := make(chan valueUpdate, 2)
		sess.OnNotifyState(func(ch *peripheral.Characteristic, enabled bool, err error) {
			select {
			case states <- valueUpdate{uuid: ch.UUID, err: err}:
			default:
			}
		})

		b, err := uart.NewBridge(sess.Peripheral, &uart.Options{
			ServiceUUID: bridgeServiceUUID,
			RXCharUUID:  bridgeRXCharUUID,
			TXCharUUID:  bridgeTXCharUUID,
			ChunkSize:   bridgeChunkSize,
			SymlinkPath: bridgeSymlink,
		}, logger)
		if err != nil {
			return nil, err
		}
		defer b.Close()

		if err := awaitSubscriptions(ctx, states, 1); err != nil {
			return nil, fmt.Errorf("failed to subscribe to tx characteristic: %w", err)
		}

		// Route device notifications into the terminal
		sess.OnValue(b.HandleValue)

		progress.Stop()
		fmt.Printf("PTY bridge ready at %s\n", b.TTYName())
		if bridgeSymlink != "" {
			fmt.Printf("Symlink: %s\n", bridgeSymlink)
		}
		fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop...")

		select {
		case <-ctx.Done():
			return nil, nil
		case <-sess.Lost():
			return nil, ErrConnectionLost
		}
	})
	return err
}
