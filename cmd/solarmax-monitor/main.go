package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"solarmax-monitor/config"
	"solarmax-monitor/internal/api"
	"solarmax-monitor/internal/collector"
	"solarmax-monitor/internal/history"
	"solarmax-monitor/internal/inverter"
	"solarmax-monitor/internal/metrics"
	"solarmax-monitor/internal/modbus"
	"solarmax-monitor/internal/mqtt"
	"solarmax-monitor/internal/prober"
	"solarmax-monitor/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "solarmax-monitor",
		Short:        "SolarMax inverter monitor",
		Long:         "Monitor a SolarMax SMT inverter via Modbus TCP and import its production history",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(importHistoryCmd())
	rootCmd.AddCommand(syncClockCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		level = zap.DebugLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Debug("config loaded", zap.Any("config", cfg.Redacted()))
	return cfg, logger, nil
}

func newClient(cfg *config.Config, logger *zap.Logger) *modbus.Client {
	return modbus.NewClient(
		cfg.Inverter.Host,
		cfg.Inverter.Port,
		cfg.Inverter.UnitID,
		cfg.Inverter.Timeout,
		logger,
	)
}

func newPinger(cfg *config.Config, logger *zap.Logger) collector.Pinger {
	if cfg.Collector.PingHost == "" {
		return nil
	}
	return prober.New(prober.ProbeCapability(logger), logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start the collector, history importer, API server and MQTT publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client := newClient(cfg, logger)
			defer client.Close()
			device := inverter.NewSolarMax(client)

			db, err := storage.NewDatabase(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			logger.Info("database opened", zap.String("path", cfg.Database.Path))

			if cfg.Database.Retention > 0 {
				removed, err := db.CleanOldReadings(cfg.Database.Retention)
				if err != nil {
					logger.Warn("failed to clean old readings", zap.Error(err))
				} else if removed > 0 {
					logger.Info("old readings removed", zap.Int64("count", removed))
				}
			}

			m := metrics.New()

			publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Device:      cfg.MQTT.ClientID,
				Enabled:     cfg.MQTT.Enabled,
			}, logger)
			if err != nil {
				logger.Warn("MQTT connection failed, publishing disabled", zap.Error(err))
				publisher, _ = mqtt.NewPublisher(mqtt.PublisherConfig{Enabled: false}, logger)
			}
			defer publisher.Close()

			coll := collector.NewCollector(collector.CollectorConfig{
				Device:           device,
				Pinger:           newPinger(cfg, logger),
				PingHost:         cfg.Collector.PingHost,
				CheckStatusFirst: cfg.Collector.CheckStatusFirst,
				Interval:         cfg.Collector.ScanInterval,
				Enabled:          cfg.Collector.Enabled,
				Store:            db,
				Publisher:        publisher,
				Metrics:          m,
				Logger:           logger,
			})

			importer := history.NewImporter(history.ImporterConfig{
				Device:          device,
				Sink:            db,
				Modes:           coll,
				Metrics:         m,
				MonitorInterval: cfg.History.MonitorInterval,
				RememberImports: cfg.History.RememberImports,
				Logger:          logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return coll.Start(gctx)
			})

			if cfg.History.Enabled {
				g.Go(func() error {
					select {
					case <-coll.Ready():
					case <-gctx.Done():
						return nil
					}
					importer.Start(gctx)
					<-gctx.Done()
					importer.Stop()
					return nil
				})
			}

			if cfg.MQTT.Enabled {
				g.Go(func() error {
					select {
					case <-coll.Ready():
					case <-gctx.Done():
						return nil
					}
					info, err := device.ReadSerialNumber()
					if err != nil {
						logger.Warn("failed to read serial number", zap.Error(err))
					}
					if err := publisher.PublishHomeAssistantDiscovery(device.Layout(), info); err != nil {
						logger.Warn("failed to publish discovery", zap.Error(err))
					}
					return nil
				})
			}

			if cfg.API.Enabled {
				server := api.NewServer(api.ServerConfig{
					Port:      cfg.API.Port,
					Collector: coll,
					Importer:  importer,
					Device:    device,
					Database:  db,
					Metrics:   m,
					Config:    cfg,
					Logger:    logger,
				})

				g.Go(server.Start)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return server.Stop(shutdownCtx)
				})
			}

			logger.Info("SolarMax monitor started",
				zap.String("inverter", client.URL()),
				zap.Duration("scan_interval", cfg.Collector.ScanInterval))

			err = g.Wait()
			logger.Info("shutting down")
			return err
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read data once from the inverter",
		Long:  "Run one poll cycle against the inverter and print the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client := newClient(cfg, logger)
			defer client.Close()

			coll := collector.NewCollector(collector.CollectorConfig{
				Device:           inverter.NewSolarMax(client),
				Pinger:           newPinger(cfg, logger),
				PingHost:         cfg.Collector.PingHost,
				CheckStatusFirst: cfg.Collector.CheckStatusFirst,
				Logger:           logger,
			})

			values, err := coll.Poll(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read data: %w", err)
			}

			output, _ := json.MarshalIndent(values, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to the inverter",
		Long:  "Test the Modbus TCP connection and print the inverter identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			fmt.Printf("Testing connection to %s:%d...\n", cfg.Inverter.Host, cfg.Inverter.Port)

			client := newClient(cfg, logger)
			defer client.Close()
			device := inverter.NewSolarMax(client)

			if err := device.Connect(); err != nil {
				fmt.Printf("Connection FAILED: %v\n", err)
				return err
			}

			fmt.Println("Connection SUCCESS!")

			info, err := device.ReadSerialNumber()
			if err != nil {
				fmt.Printf("Warning: Could not read serial number: %v\n", err)
			} else {
				fmt.Printf("\nInverter Info:\n")
				fmt.Printf("  Manufacturer:  %s\n", info.Manufacturer)
				fmt.Printf("  Model:         %s\n", info.Model)
				fmt.Printf("  Serial Number: %s\n", info.SerialNumber)
			}

			mode, err := device.ReadStatus()
			if err != nil {
				fmt.Printf("Warning: Could not read status: %v\n", err)
			} else {
				fmt.Printf("  Status:        %s\n", mode)
			}
			return nil
		},
	}
}

func importHistoryCmd() *cobra.Command {
	var syncClock bool

	cmd := &cobra.Command{
		Use:   "import-history",
		Short: "Import the inverter's 30-day production history",
		Long:  "Read the hourly history buffers and store them in the statistics database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client := newClient(cfg, logger)
			defer client.Close()

			db, err := storage.NewDatabase(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			importer := history.NewImporter(history.ImporterConfig{
				Device: inverter.NewSolarMax(client),
				Sink:   db,
				Logger: logger,
			})

			if cfg.History.RememberImports {
				if err := importer.LoadImportedDays(cmd.Context()); err != nil {
					return err
				}
			}

			if syncClock {
				if err := importer.SyncClock(cmd.Context()); err != nil {
					logger.Warn("clock sync failed", zap.Error(err))
				}
			}

			res, err := importer.Refresh(cmd.Context())
			if err != nil {
				return fmt.Errorf("history import failed: %w", err)
			}

			fmt.Printf("Imported %d hourly samples (%d days known)\n", res.Imported, len(importer.Status().ImportedDays))
			return nil
		},
	}

	cmd.Flags().BoolVar(&syncClock, "sync-clock", false, "sync the inverter clock before importing")
	return cmd
}

func syncClockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-clock",
		Short: "Write the local time to the inverter clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			client := newClient(cfg, logger)
			defer client.Close()

			importer := history.NewImporter(history.ImporterConfig{
				Device: inverter.NewSolarMax(client),
				Logger: logger,
			})
			if err := importer.SyncClock(cmd.Context()); err != nil {
				return fmt.Errorf("clock sync failed: %w", err)
			}

			fmt.Println("Inverter clock synchronized")
			return nil
		},
	}
}
