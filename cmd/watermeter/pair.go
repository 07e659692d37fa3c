package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jgoulah/watermeter/internal/logging"
	"github.com/jgoulah/watermeter/internal/poller"
	"github.com/jgoulah/watermeter/pkg/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	pairEmail    string
	pairPassword string
	pairName     string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair a water connection",
	Long: `Logs in to the SAUR customer API, reads the default subscription of the
account and stores it as a new device. Email and password default to the
account section of the config or WATERMETER_EMAIL / WATERMETER_PASSWORD.`,
	RunE: runPair,
}

func init() {
	pairCmd.Flags().StringVar(&pairEmail, "email", "", "account email")
	pairCmd.Flags().StringVar(&pairPassword, "password", "", "account password")
	pairCmd.Flags().StringVar(&pairName, "name", "", "device name")
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, logger, db, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer db.Close()

	creds := cfg.Account.Credentials()
	if pairEmail != "" {
		creds.Email = pairEmail
	}
	if pairPassword != "" {
		creds.Password = pairPassword
	}
	if creds.Email == "" || creds.Password == "" {
		return fmt.Errorf("email and password are required (use --email/--password or WATERMETER_EMAIL/WATERMETER_PASSWORD)")
	}

	ctx := context.Background()
	client := newClient(cfg, logger)

	fmt.Printf("Logging in as %s...\n", creds.Email)
	session, err := client.Authenticate(ctx, creds.Email, creds.Password)
	if err != nil {
		return fmt.Errorf("%s: %w", poller.English(poller.MsgLoginFailed), err)
	}
	if session.SectionID == "" {
		return fmt.Errorf("%s", poller.English(poller.MsgListDevicesFailed))
	}

	name := pairName
	if name == "" {
		name = poller.English(poller.MsgDeviceName)
	}

	device := &models.Device{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     creds.Email,
		Password:  creds.Password,
		SectionID: session.SectionID,
	}
	if err := db.CreateDevice(ctx, device); err != nil {
		return fmt.Errorf("storing device: %w", err)
	}

	logging.WithDevice(logger, device.ID).Info("device paired", zap.String("section_id", device.SectionID))

	fmt.Printf("✓ Paired %q (subscription %s)\n", device.Name, device.SectionID)
	fmt.Printf("  Device ID: %s\n", device.ID)
	return nil
}
