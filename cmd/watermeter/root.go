package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jgoulah/watermeter/internal/config"
	"github.com/jgoulah/watermeter/internal/database"
	"github.com/jgoulah/watermeter/internal/logging"
	"github.com/jgoulah/watermeter/internal/metrics"
	"github.com/jgoulah/watermeter/internal/poller"
	"github.com/jgoulah/watermeter/internal/saur"
	"github.com/jgoulah/watermeter/pkg/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	dbPath  string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "watermeter",
	Short: "Track SAUR water consumption",
	Long: `Watermeter polls the SAUR customer API for daily water consumption.
Paired connections are stored in a local SQLite database, and readings can be
forwarded to an MQTT broker or Home Assistant.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file (default is ./data.db)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file loaded before the config")
}

// getConfigPath returns the config file path
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// getDBPath returns the database file path (local directory)
func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	return "data.db"
}

// loadConfig loads the .env file and then the configuration file
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	return config.Load(getConfigPath())
}

// openDB opens the database connection
func openDB() (*database.DB, error) {
	path := getDBPath()

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	return database.New(path)
}

// setup loads config, builds the logger and opens the database
func setup() (*config.Config, *zap.Logger, *database.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating logger: %w", err)
	}

	db, err := openDB()
	if err != nil {
		logger.Sync()
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}

	return cfg, logger, db, nil
}

// newClient creates a provider client. Every device gets its own client since
// a client holds a single session.
func newClient(cfg *config.Config, logger *zap.Logger) *saur.Client {
	opts := []saur.Option{
		saur.WithTimeout(cfg.GetAPITimeout()),
		saur.WithLogger(logger),
	}
	if cfg.API.AuthURL != "" {
		opts = append(opts, saur.WithAuthURL(cfg.API.AuthURL))
	}
	if cfg.API.ConsumptionURL != "" {
		opts = append(opts, saur.WithConsumptionURL(cfg.API.ConsumptionURL))
	}
	return saur.NewClient(opts...)
}

// newPoller builds the poller for a stored device. When live is set the sink
// already forwards to the publisher, so delivered readings are stored as
// published and 'watermeter publish' skips them.
func newPoller(cfg *config.Config, logger *zap.Logger, db *database.DB, sink poller.Sink, m *metrics.Metrics, d models.Device, live bool) *poller.Poller {
	deviceLogger := logging.WithDevice(logger, d.ID)
	opts := []poller.Option{
		poller.WithLogger(logger),
		poller.WithMetrics(m),
		poller.WithRecorder(db),
		poller.WithSectionID(d.SectionID),
		poller.WithInterval(cfg.GetPollInterval()),
		poller.WithLookbackDays(cfg.GetLookbackDays()),
	}
	if live {
		opts = append(opts, poller.WithPublishedMarker(db))
	}
	return poller.New(d.ID, newClient(cfg, deviceLogger), db, sink, opts...)
}
