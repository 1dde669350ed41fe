package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/session"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [uuid]",
	Short: "Read characteristic values",
	Long: fmt.Sprintf(`Reads data from BLE characteristic(s).

Examples:
  # Read Battery Level characteristic
  smurfble read %s 2a19

  # Read multiple characteristics (comma-separated)
  smurfble read %s 2a37,2a38,2a19 --hex

  # Read with service disambiguation
  smurfble read %s --service 180f --char 2a19

  # Read every characteristic of a service
  smurfble read %s --service 180f

  # Output as hex
  smurfble read %s 2a19 --hex

  # Continuously watch characteristic (polls every second)
  smurfble read %s 2a37 --watch

  # Watch with custom interval
  smurfble read %s 2a37 --watch 500ms

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readCharUUIDs   string // comma-separated list accepted
	readHex         bool
	readTimeout     time.Duration
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Read timeout")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Positional UUID wins over --char; --service alone targets the
	// whole service.
	var uuidInput string
	switch {
	case len(args) == 2:
		uuidInput = args[1]
	case readCharUUIDs != "":
		uuidInput = readCharUUIDs
	case readServiceUUID != "":
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char flag, or use --service for all characteristics")
	}

	charUUIDs := parseCSVUUIDs(uuidInput)
	if uuidInput != "" && len(charUUIDs) == 0 {
		return fmt.Errorf("no valid UUIDs provided")
	}

	var watchInterval time.Duration
	if readWatch != "" {
		// Polling more than one characteristic is not supported
		if len(charUUIDs) != 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(charUUIDs))
		}
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %s", watchInterval)
		}
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

	operation := "Reading"
	if readWatch != "" {
		operation = "Watching"
	}
	var progressDesc string
	switch {
	case len(charUUIDs) == 1:
		progressDesc = fmt.Sprintf("%s %s from %s", operation, charUUIDs[0], address)
	case len(charUUIDs) > 1:
		progressDesc = fmt.Sprintf("%s %d characteristics from %s", operation, len(charUUIDs), address)
	default:
		progressDesc = fmt.Sprintf("%s service %s from %s", operation, readServiceUUID, address)
	}

	progress := NewProgressPrinter(progressDesc, "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	// Ctrl+C cancels the session and stops watch mode
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := &session.Options{
		ScanTimeout:    cfg.ScanTimeout.Duration,
		ConnectTimeout: cfg.ConnectTimeout.Duration,
	}

	_, err = session.Run(ctx, address, opts, logger, progress.Callback(), func(sess *session.Session) (any, error) {
		chars, err := resolveCharacteristics(sess.Peripheral, uuidInput, readServiceUUID)
		if err != nil {
			return nil, err
		}

		results := valueSink(sess, 16)

		// The spinner must not interleave with value output
		progress.Stop()

		if readWatch != "" {
			return nil, watchChar(ctx, sess, results, chars[0], watchInterval, logger)
		}

		if len(chars) == 1 {
			data, err := awaitRead(sess, results, chars[0], readTimeout)
			if err != nil {
				return nil, fmt.Errorf("failed to read characteristic: %w", err)
			}
			return nil, outputData(data)
		}

		return nil, performMultiRead(sess, results, chars)
	})
	return err
}

// performMultiRead reads multiple characteristics and outputs with
// prefixes. UUIDs are sorted for deterministic output order.
func performMultiRead(sess *session.Session, results <-chan valueUpdate, chars []*peripheral.Characteristic) error {
	sorted := append([]*peripheral.Characteristic(nil), chars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UUID < sorted[j].UUID })

	for _, ch := range sorted {
		data, err := awaitRead(sess, results, ch, readTimeout)
		if err != nil {
			// One failed read does not abort the batch
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", ch.UUID, err)
			continue
		}
		outputDataWithPrefix(ch.UUID, data)
	}

	return nil
}

// watchChar continuously reads a characteristic at the specified interval.
func watchChar(ctx context.Context, sess *session.Session, results <-chan valueUpdate, ch *peripheral.Characteristic, interval time.Duration, logger *logrus.Logger) error {
	fmt.Fprintf(os.Stderr, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	// First read fires immediately, the ticker covers the rest
	if err := performSingleRead(sess, results, ch, logger); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := performSingleRead(sess, results, ch, logger); err != nil {
				// A read against a dropped connection fails fast
				if errors.Is(err, peripheral.ErrNotConnected) {
					return ErrConnectionLost
				}

				// Transient failures keep the watch alive
				logger.WithError(err).Warn("Failed to read characteristic, continuing...")
			} else {
				logger.Debug("Read operation successful")
			}
		}
	}
}

// performSingleRead executes a single read operation and outputs the data.
func performSingleRead(sess *session.Session, results <-chan valueUpdate, ch *peripheral.Characteristic, logger *logrus.Logger) error {
	data, err := awaitRead(sess, results, ch, readTimeout)
	if err != nil {
		logger.WithError(err).Error("failed to read characteristic")
		return err
	}

	if err := outputData(data); err != nil {
		logger.WithError(err).Error("failed to output data")
		return err
	}

	return nil
}

// outputData prints the value as hex or raw bytes per --hex.
func outputData(data []byte) error {
	if readHex {
		fmt.Println(hex.EncodeToString(data))
		return nil
	}
	_, err := os.Stdout.Write(data)
	return err
}

// outputDataWithPrefix outputs data with a UUID prefix for multi-char
// reads.
func outputDataWithPrefix(uuid string, data []byte) {
	if readHex {
		fmt.Printf("%s: %s\n", uuid, hex.EncodeToString(data))
		return
	}

	fmt.Printf("%s: ", uuid)
	_, _ = os.Stdout.Write(data)
	fmt.Println()
}
