package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scchn/smurfble/central"
	"github.com/scchn/smurfble/internal/ringchan"
	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/session"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values, and
advertised services.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanServices    []string
	scanProfiles    []string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanMinRSSI     int
	scanWatch       bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVarP(&scanProfiles, "profile", "p", nil, "Filter by named profiles from the config file")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().IntVar(&scanMinRSSI, "min-rssi", 0, "Hide devices below this signal level in dBm (e.g. -70)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

// scanRow tracks one discovered device and when it was last heard from.
type scanRow struct {
	peripheral *peripheral.Peripheral
	rssi       int
	lastSeen   time.Time
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Config supplies duration and format unless the flag overrides them
	if !cmd.Flags().Changed("duration") {
		scanDuration = cfg.ScanTimeout.Duration
	}
	if !cmd.Flags().Changed("format") {
		scanFormat = cfg.OutputFormat
	}

	validFormats := []string{"table", "json"}
	isValidFormat := false
	for _, format := range validFormats {
		if scanFormat == format {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, validFormats)
	}

	// Resolve named profiles before touching the radio
	profiles := make([]central.Profile, 0, len(scanProfiles)+1)
	for _, name := range scanProfiles {
		p, ok := cfg.Profile(name)
		if !ok {
			return fmt.Errorf("profile %q not defined in config", name)
		}
		profiles = append(profiles, p)
	}
	if len(scanServices) > 0 {
		profiles = append(profiles, central.Profile{Name: "cli", ServiceUUIDs: scanServices})
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// Past this point failures are operational, not usage mistakes
	cmd.SilenceUsage = true

	duration := scanDuration
	// Watch mode runs until interrupted unless a duration was asked for
	if scanWatch && !cmd.Flags().Changed("duration") {
		duration = 0
	}

	// Watch mode needs repeat advertisements to refresh LAST SEEN
	allowDuplicates := !scanNoDuplicate
	if scanWatch && !cmd.Flags().Changed("no-duplicates") {
		allowDuplicates = true
	}

	radio, err := session.RadioFactory(logger)
	if err != nil {
		return fmt.Errorf("opening radio: %w", err)
	}
	if closer, ok := radio.(io.Closer); ok {
		defer closer.Close()
	}

	m := central.NewManager(radio, logger)
	defer m.Close()

	// Discovery events arrive on engine goroutines and must not block
	// there; the ring drops the oldest event when the display lags. The
	// ring is never closed: a late discovery callback may still send
	// after the display loop stops.
	events := ringchan.New[central.DiscoveryEvent](256)

	opts := central.ScanOptions{
		Profiles:        profiles,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
		AllowDuplicates: allowDuplicates,
		OnDiscovery:     func(ev central.DiscoveryEvent) { events.Send(ev) },
	}
	if cmd.Flags().Changed("min-rssi") {
		opts.Filter = central.MinRSSIFilter(scanMinRSSI)
	}

	if !m.Scan(opts) {
		return fmt.Errorf("radio is not powered on")
	}
	defer m.StopScan()

	ctx, cancel := scanContext(duration)
	defer cancel()

	if scanWatch {
		return runWatchScan(ctx, events, scanFormat)
	}
	return runSingleScan(ctx, events, duration, scanFormat)
}

// scanContext bounds a scan by duration and Ctrl+C. Zero duration scans
// until interrupted.
func scanContext(duration time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	var cancelTimeout context.CancelFunc = func() {}
	if duration > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, duration)
	}

	ctx, cancelSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		cancelSignals()
		cancelTimeout()
	}
}

func runSingleScan(ctx context.Context, events *ringchan.Ring[central.DiscoveryEvent], duration time.Duration, format string) error {
	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	rows := make(map[string]scanRow)
	for {
		select {
		case <-ctx.Done():
			drainScanEvents(events, rows)
			progress.Callback()("Processing results")
			return displayScanRows(rows, format)
		case ev := <-events.C():
			recordScanEvent(rows, ev)
		}
	}
}

func runWatchScan(ctx context.Context, events *ringchan.Ring[central.DiscoveryEvent], format string) error {
	rows := make(map[string]scanRow)

	// The ticker keeps ctx cancellation responsive when advertisements
	// flood the events channel, and paces the table redraw.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	tickCount := 0

	redraw := func() error {
		clearScreen()
		return displayScanRows(rows, format)
	}

	for {
		select {
		case <-ctx.Done():
			drainScanEvents(events, rows)
			return redraw()
		case <-ticker.C:
			tickCount++
			if tickCount == 10 {
				tickCount = 0
				if err := redraw(); err != nil {
					return err
				}
			}
		case ev := <-events.C():
			recordScanEvent(rows, ev)
		}
	}
}

func recordScanEvent(rows map[string]scanRow, ev central.DiscoveryEvent) {
	rows[ev.Peripheral.ID()] = scanRow{
		peripheral: ev.Peripheral,
		rssi:       ev.RSSI,
		lastSeen:   time.Now(),
	}
}

// drainScanEvents absorbs whatever the ring buffered after the display
// loop stopped listening.
func drainScanEvents(events *ringchan.Ring[central.DiscoveryEvent], rows map[string]scanRow) {
	for {
		ev, ok := events.TryRecv()
		if !ok {
			return
		}
		recordScanEvent(rows, ev)
	}
}

func displayScanRows(rows map[string]scanRow, format string) error {
	if len(rows) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	list := make([]scanRow, 0, len(rows))
	for _, r := range rows {
		list = append(list, r)
	}

	// Sort by name, named devices first
	sort.Slice(list, func(i, j int) bool {
		return list[i].peripheral.Name() > list[j].peripheral.Name()
	})

	switch format {
	case "json":
		return displayScanJSON(list)
	default:
		return displayScanTable(list)
	}
}

func displayScanTable(rows []scanRow) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, r := range rows {
		name := r.peripheral.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		adv := r.peripheral.Advertisement()
		services := strings.Join(adv.ServiceUUIDs, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(r.lastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, r.peripheral.ID(), r.rssi, services, lastSeen)
	}

	return w.Flush()
}

// scanReport is the JSON shape of one discovered device.
type scanReport struct {
	Name     string   `json:"name,omitempty"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
	LastSeen string   `json:"last_seen"`
}

func displayScanJSON(rows []scanRow) error {
	reports := make([]scanReport, len(rows))
	for i, r := range rows {
		adv := r.peripheral.Advertisement()
		reports[i] = scanReport{
			Name:     r.peripheral.Name(),
			Address:  r.peripheral.ID(),
			RSSI:     r.rssi,
			Services: adv.ServiceUUIDs,
			LastSeen: r.lastSeen.Format(time.RFC3339),
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reports)
}

func clearScreen() {
	fmt.Print("\033[2J\033[H")
}
