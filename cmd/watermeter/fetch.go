package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jgoulah/watermeter/pkg/models"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [device-id]",
	Short: "Fetch the latest reading once",
	Long: `Authenticates and runs a single refresh for one device, or for every paired
device when no id is given. The reading is stored and published like a
scheduled refresh, but nothing keeps running afterwards.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Fetch started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, logger, db, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer db.Close()

	ctx := context.Background()

	var devices []models.Device
	if len(args) == 1 {
		d, err := db.GetDevice(ctx, args[0])
		if err != nil {
			return fmt.Errorf("loading device %s: %w", args[0], err)
		}
		devices = append(devices, *d)
	} else {
		devices, err = db.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}
	}
	if len(devices) == 0 {
		fmt.Println("No devices paired")
		return nil
	}

	sink, pub, err := newSink(cfg, logger, db)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
	}

	for _, d := range devices {
		fmt.Printf("Fetching %s (%s)...\n", d.Name, d.ID)

		p := newPoller(cfg, logger, db, sink, nil, d, pub != nil)
		p.Initialize(ctx, d.Credentials(), d.SectionID)
		p.Teardown()

		state, reason := p.State()
		reading := p.LastReading()
		switch {
		case reason != "":
			fmt.Printf("⚠ %s: %s\n", state, reason)
		case reading == nil:
			fmt.Println("⚠ No consumption data in the lookback window")
		default:
			fmt.Printf("✓ %.3f m³ for %s → %s\n", math.Abs(reading.Value), reading.PeriodStart, reading.PeriodEnd)
		}
	}

	return nil
}
