package main

import (
	"context"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/jgoulah/watermeter/internal/poller"
	"github.com/spf13/cobra"
)

var listReadings bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired devices",
	Long:  `Displays paired devices with their availability and latest reading.`,
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listReadings, "readings", false, "Also show stored reading history")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	// Open database
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	devices, err := db.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No devices paired")
		return nil
	}

	for _, d := range devices {
		status := "available"
		if !d.Available {
			status = "unavailable: " + d.UnavailableReason
		}

		fmt.Printf("\n%s (%s)\n", d.Name, d.ID)
		fmt.Println("----------------------------------------")
		fmt.Printf("%-14s %s\n", "Account", d.Email)
		fmt.Printf("%-14s %s\n", "Subscription", d.SectionID)
		fmt.Printf("%-14s %s\n", "Status", status)
		fmt.Printf("%-14s %s\n", "Paired", humanize.Time(d.CreatedAt))

		caps, err := db.GetCapabilities(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("loading values for %s: %w", d.ID, err)
		}
		settings, err := db.GetSettings(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("loading settings for %s: %w", d.ID, err)
		}
		if v, ok := caps[poller.CapabilityMeterWater]; ok {
			fmt.Printf("%-14s %s m³ (%s → %s, updated %s)\n", "Consumption",
				humanize.FtoaWithDigits(v.Value, 3),
				settings[poller.SettingLastPeriod], settings[poller.SettingCurrentPeriod],
				humanize.Time(v.UpdatedAt))
		} else {
			fmt.Printf("%-14s %s\n", "Consumption", "no reading yet")
		}

		if !listReadings {
			continue
		}
		readings, err := db.ListReadings(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("listing readings for %s: %w", d.ID, err)
		}
		fmt.Println("----------------------------------------")
		fmt.Printf("%-22s  %10s  %s\n", "Period start", "m³", "Fetched")
		var total float64
		for _, r := range readings {
			fmt.Printf("%-22s  %10.3f  %s\n", r.PeriodStart, math.Abs(r.Value), humanize.Time(r.FetchedAt))
			total += math.Abs(r.Value)
		}
		fmt.Println("----------------------------------------")
		fmt.Printf("Total: %.3f m³ (%s records)\n", total, humanize.Comma(int64(len(readings))))
	}

	return nil
}
