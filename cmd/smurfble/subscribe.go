package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/ringchan"
	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/session"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> [uuid]",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and outputs received data
as it arrives.

Examples:
  # Subscribe to single characteristic
  smurfble subscribe %s 2a37

  # Subscribe to multiple characteristics (auto-resolves services)
  smurfble subscribe %s 2A6E,2A6F,2A19 --hex

  # Subscribe to characteristics in specific service
  smurfble subscribe %s --service 180d --char 2a37,2a38

  # Subscribe to all notifiable characteristics in service
  smurfble subscribe %s --service ff30

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeCharUUIDs   string // comma-separated list accepted
	subscribeHex         bool
	subscribeTimeout     time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (optional; auto-resolves if omitted)")
	subscribeCmd.Flags().StringVar(&subscribeCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 30*time.Second, "Connection timeout")
}

// supportsNotifications reports whether a characteristic can notify or
// indicate.
func supportsNotifications(ch *peripheral.Characteristic) bool {
	return ch.Properties.Supports(adapter.PropertyNotify) ||
		ch.Properties.Supports(adapter.PropertyIndicate)
}

// notifiableCharacteristics filters to characteristics that can stream.
// Explicitly requested characteristics must support it; in all-in-service
// mode the rest are skipped silently.
func notifiableCharacteristics(chars []*peripheral.Characteristic, explicit bool) ([]*peripheral.Characteristic, error) {
	var out []*peripheral.Characteristic
	for _, ch := range chars {
		if supportsNotifications(ch) {
			out = append(out, ch)
		} else if explicit {
			return nil, fmt.Errorf("characteristic %s does not support notifications", ch.UUID)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no notifiable characteristics found")
	}
	return out, nil
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Positional UUID wins over --char; with neither, --service means
	// every notifiable characteristic in the service.
	var charUUIDsCSV string
	if len(args) == 2 {
		charUUIDsCSV = args[1]
	} else if subscribeCharUUIDs != "" {
		charUUIDsCSV = subscribeCharUUIDs
	}

	if charUUIDsCSV == "" && subscribeServiceUUID == "" {
		return fmt.Errorf("specify characteristic UUID(s) via argument or --char flag, or use --service for all characteristics")
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

	// Ctrl+C ends the stream
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Subscribing to %s", address), "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	connectTimeout := subscribeTimeout
	if !cmd.Flags().Changed("timeout") && cfg.ConnectTimeout.Duration > 0 {
		connectTimeout = cfg.ConnectTimeout.Duration
	}
	opts := &session.Options{
		ScanTimeout:    cfg.ScanTimeout.Duration,
		ConnectTimeout: connectTimeout,
	}

	_, err = session.Run(ctx, address, opts, logger, progress.Callback(), func(sess *session.Session) (any, error) {
		chars, err := resolveCharacteristics(sess.Peripheral, charUUIDsCSV, subscribeServiceUUID)
		if err != nil {
			return nil, err
		}
		chars, err = notifiableCharacteristics(chars, charUUIDsCSV != "")
		if err != nil {
			return nil, err
		}

		// Notifications outrun a slow terminal; the ring drops the oldest
		// rather than stall the engine's dispatch. The ring is never
		// closed: a notification may still land after the loop exits.
		updates := ringchan.New[valueUpdate](256)
		sess.OnValue(func(ch *peripheral.Characteristic, value []byte, err error) {
			updates.Send(valueUpdate{uuid: ch.UUID, value: value, err: err})
		})

		states := make(chan valueUpdate, len(chars))
		sess.OnNotifyState(func(ch *peripheral.Characteristic, enabled bool, err error) {
			select {
			case states <- valueUpdate{uuid: ch.UUID, err: err}:
			default:
			}
		})

		for _, ch := range chars {
			if err := sess.Peripheral.SetNotify(ch, true); err != nil {
				return nil, fmt.Errorf("failed to subscribe to %s: %w", ch.UUID, err)
			}
		}
		if err := awaitSubscriptions(ctx, states, len(chars)); err != nil {
			return nil, err
		}

		// The spinner must not interleave with streamed values
		progress.Stop()
		printSubscribeBanner(chars)

		multiChar := len(chars) > 1
		defer func() {
			// Best effort; the disconnect tears subscriptions down anyway
			for _, ch := range chars {
				_ = sess.Peripheral.SetNotify(ch, false)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				// User cancelled
				return nil, nil
			case <-sess.Lost():
				return nil, ErrConnectionLost
			case upd := <-updates.C():
				outputNotification(upd, multiChar)
			}
		}
	})
	return err
}

// awaitSubscriptions waits until the platform confirms every
// subscription.
func awaitSubscriptions(ctx context.Context, states <-chan valueUpdate, count int) error {
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()

	for confirmed := 0; confirmed < count; {
		select {
		case st := <-states:
			if st.err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", st.uuid, st.err)
			}
			confirmed++
		case <-deadline.C:
			return fmt.Errorf("subscription not confirmed after 5s")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// printSubscribeBanner tells the user what is streaming and how to stop.
func printSubscribeBanner(chars []*peripheral.Characteristic) {
	services := make(map[string]bool)
	for _, ch := range chars {
		services[ch.ServiceUUID] = true
	}

	switch {
	case len(chars) == 1:
		fmt.Fprintf(os.Stderr, "Subscribed to %s. Press Ctrl+C to stop...\n", displayUUID(chars[0].UUID))
	case len(services) == 1:
		fmt.Fprintf(os.Stderr, "Subscribed to %d characteristics in service %s. Press Ctrl+C to stop...\n", len(chars), displayUUID(chars[0].ServiceUUID))
	default:
		fmt.Fprintf(os.Stderr, "Subscribed to %d characteristics across %d services. Press Ctrl+C to stop...\n", len(chars), len(services))
	}
}

// outputNotification formats and outputs one notification.
func outputNotification(upd valueUpdate, multiChar bool) {
	if upd.err != nil {
		fmt.Fprintf(os.Stderr, "%s: error: %v\n", upd.uuid, upd.err)
		return
	}

	var prefix string
	if multiChar {
		prefix = upd.uuid + ": "
	}

	if subscribeHex {
		fmt.Printf("%s%s\n", prefix, hex.EncodeToString(upd.value))
		return
	}

	if prefix != "" {
		fmt.Print(prefix)
	}
	_, _ = os.Stdout.Write(upd.value)
	fmt.Println()
}
