package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jgoulah/watermeter/internal/publisher"
	"github.com/jgoulah/watermeter/pkg/models"
	"github.com/spf13/cobra"
)

var (
	publishDevice string
	publishAll    bool
	publishLimit  int
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish stored readings to MQTT / Home Assistant",
	Long: `Reads stored readings that were not yet published and sends them to the configured MQTT broker and/or Home Assistant.
Readings that 'run' or 'fetch' already delivered through a configured publisher are stored as published and skipped.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishDevice, "device", "", "Only publish readings of this device id")
	publishCmd.Flags().BoolVar(&publishAll, "all", false, "Force republish all records (ignore published flag)")
	publishCmd.Flags().IntVar(&publishLimit, "limit", 0, "Limit number of records to publish (0 = no limit)")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Publish started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, logger, db, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer db.Close()

	pub, err := publisher.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating publisher: %w", err)
	}
	defer pub.Close()
	if !pub.Enabled() {
		return fmt.Errorf("neither MQTT nor Home Assistant is enabled in config")
	}

	ctx := context.Background()

	var data []models.Reading
	if publishAll {
		devices, err := db.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}
		for _, d := range devices {
			readings, err := db.ListReadings(ctx, d.ID)
			if err != nil {
				return fmt.Errorf("listing readings for %s: %w", d.ID, err)
			}
			// oldest first so the newest value is published last
			for i := len(readings) - 1; i >= 0; i-- {
				data = append(data, readings[i])
			}
		}
	} else {
		data, err = db.ListUnpublishedReadings(ctx)
		if err != nil {
			return fmt.Errorf("listing unpublished readings: %w", err)
		}
	}

	if publishDevice != "" {
		filtered := data[:0]
		for _, r := range data {
			if r.DeviceID == publishDevice {
				filtered = append(filtered, r)
			}
		}
		data = filtered
	}

	if len(data) == 0 {
		fmt.Println("No unpublished readings found")
		return nil
	}

	// Apply limit if specified
	if publishLimit > 0 && len(data) > publishLimit {
		data = data[:publishLimit]
		fmt.Printf("Limiting to %d records (--limit flag)\n", publishLimit)
	}

	published := 0
	for i, r := range data {
		fmt.Printf("[%d/%d] Publishing %s %s (%.3f m³)... ", i+1, len(data), r.DeviceID, r.PeriodStart, math.Abs(r.Value))
		if err := pub.PublishReading(ctx, r); err != nil {
			fmt.Printf("FAILED: %v\n", err)
			continue
		}

		// Mark record as published in database
		if err := db.MarkPublished(ctx, r.ID); err != nil {
			fmt.Printf("✓ (warning: failed to mark as published: %v)\n", err)
		} else {
			fmt.Printf("✓\n")
		}
		published++
	}

	fmt.Printf("\nSuccessfully published %d/%d records\n", published, len(data))
	return nil
}
