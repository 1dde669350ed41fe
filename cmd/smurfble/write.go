package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/session"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic.

Values larger than the connection's MTU are split into chunks and written
sequentially; --chunk forces a smaller chunk size.

Examples:
  # Write to characteristic (string data)
  smurfble write %s 2a06 "high"

  # Write hex data
  smurfble write %s 2a06 01 --hex

  # Write with service disambiguation
  smurfble write %s 2a06 01 --hex --service 1802

  # Write without response (faster, no ACK)
  smurfble write %s 2a06 "data" --without-response

  # Force 20-byte chunks
  smurfble write %s ff31 "a long payload" --chunk 20

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
	writeChunkSize   int
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", 0, "Force writes into N-byte chunks; default 0, auto-detect from MTU")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 5*time.Second, "Write timeout")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]
	targetUUID := args[1]

	data, err := parseWriteData(args[2])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

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

	progress := NewProgressPrinter(fmt.Sprintf("Writing %d bytes to %s on %s", len(data), targetUUID, address), "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := &session.Options{
		ScanTimeout:    cfg.ScanTimeout.Duration,
		ConnectTimeout: cfg.ConnectTimeout.Duration,
	}

	_, err = session.Run(ctx, address, opts, logger, progress.Callback(), func(sess *session.Session) (any, error) {
		// The spinner must not interleave with result output
		progress.Stop()

		ch, err := resolveCharacteristic(sess.Peripheral, targetUUID, writeServiceUUID)
		if err != nil {
			return nil, err
		}

		return nil, performWrite(ctx, sess, ch, data)
	})
	if err != nil {
		return err
	}

	fmt.Println("Write successful")
	return nil
}

// parseWriteData decodes the payload argument per --hex.
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Tolerate the usual 01:02, 01-02, and 0x01 spellings
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}

// performWrite executes a write and waits for its completion.
func performWrite(ctx context.Context, sess *session.Session, ch *peripheral.Characteristic, data []byte) error {
	canWrite := ch.Properties.SupportsWrite(adapter.WriteWithResponse)
	canWriteNoResponse := ch.Properties.SupportsWrite(adapter.WriteWithoutResponse)
	if !canWrite && !canWriteNoResponse {
		return fmt.Errorf("characteristic %s does not support write operations", ch.UUID)
	}

	// Acknowledged writes are the default; unacknowledged only on request
	// or when the characteristic cannot ack.
	mode := adapter.WriteWithResponse
	if writeNoResponse || !canWrite {
		mode = adapter.WriteWithoutResponse
	}

	opts := &peripheral.WriteOptions{ChunkSize: writeChunkSize}
	done := make(chan error, 1)
	completion := func(err error) { done <- err }

	var cancelWrite peripheral.CancelFunc
	if mode == adapter.WriteWithResponse {
		cancelWrite = sess.Peripheral.WriteWithResponse(ch, data, opts, completion)
	} else {
		cancelWrite = sess.Peripheral.WriteWithoutResponse(ch, data, opts, completion)
	}

	deadline := time.NewTimer(writeTimeout)
	defer deadline.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
		return nil
	case <-deadline.C:
		cancelWrite()
		return fmt.Errorf("write timed out after %s", writeTimeout)
	case <-ctx.Done():
		cancelWrite()
		return ctx.Err()
	}
}
