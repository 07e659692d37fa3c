package main

import (
	"context"
	"fmt"

	"github.com/jgoulah/watermeter/pkg/models"
	"github.com/spf13/cobra"
)

var (
	credsEmail    string
	credsPassword string
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials [device-id]",
	Short: "Update a device's login",
	Long: `Re-authenticates a device with a new email and/or password. The new login
is only saved when the provider accepts it; otherwise the device is marked
unavailable.`,
	Args: cobra.ExactArgs(1),
	RunE: runCredentials,
}

func init() {
	credentialsCmd.Flags().StringVar(&credsEmail, "email", "", "new account email (default: keep current)")
	credentialsCmd.Flags().StringVar(&credsPassword, "password", "", "new account password (default: keep current)")
	rootCmd.AddCommand(credentialsCmd)
}

func runCredentials(cmd *cobra.Command, args []string) error {
	if credsEmail == "" && credsPassword == "" {
		return fmt.Errorf("nothing to update, pass --email and/or --password")
	}

	cfg, logger, db, err := setup()
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

	creds := models.Credentials{Email: d.Email, Password: d.Password}
	if credsEmail != "" {
		creds.Email = credsEmail
	}
	if credsPassword != "" {
		creds.Password = credsPassword
	}

	sink, pub, err := newSink(cfg, logger, db)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
	}

	p := newPoller(cfg, logger, db, sink, nil, *d, pub != nil)
	defer p.Teardown()
	if err := p.OnCredentialsChanged(ctx, creds); err != nil {
		fmt.Printf("⚠ %v\n", err)
		return err
	}

	fmt.Printf("✓ Credentials updated for %s\n", d.Name)
	return nil
}
