package main

import (
	"context"
	"fmt"

	"github.com/jgoulah/watermeter/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var removeCmd = &cobra.Command{
	Use:   "remove [device-id]",
	Short: "Remove a paired device",
	Long: `Deletes a device together with its stored values and reading history.
A running 'watermeter run' stops polling it at its next device sync.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

var renameCmd = &cobra.Command{
	Use:   "rename [device-id] [name]",
	Short: "Rename a paired device",
	Long: `Changes the display name of a device. A running 'watermeter run' picks
up the new name at its next device sync.`,
	Args: cobra.ExactArgs(2),
	RunE: runRename,
}

func init() {
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(renameCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	_, logger, db, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer db.Close()

	ctx := context.Background()
	d, err := db.GetDevice(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading device %s: %w", args[0], err)
	}

	if err := db.DeleteDevice(ctx, d.ID); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	logging.WithDevice(logger, d.ID).Info("device deleted")

	fmt.Printf("✓ Removed %s (%s)\n", d.Name, d.ID)
	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	_, logger, db, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer db.Close()

	ctx := context.Background()
	id, name := args[0], args[1]
	if err := db.RenameDevice(ctx, id, name); err != nil {
		return fmt.Errorf("renaming device: %w", err)
	}

	logging.WithDevice(logger, id).Info("device renamed in store", zap.String("name", name))

	fmt.Printf("✓ Renamed %s to %q\n", id, name)
	return nil
}
