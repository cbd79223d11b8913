package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/qvantum-integration/internal/pkg/access"
	"github.com/anicoll/qvantum-integration/internal/pkg/config"
	"github.com/anicoll/qvantum-integration/internal/pkg/coordinator"
	"github.com/anicoll/qvantum-integration/internal/pkg/dispatcher"
	"github.com/anicoll/qvantum-integration/internal/pkg/inventory"
	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/mqtt"
	"github.com/anicoll/qvantum-integration/internal/pkg/publisher"
	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
	"github.com/anicoll/qvantum-integration/internal/pkg/server"
	"github.com/anicoll/qvantum-integration/internal/pkg/store"
	"github.com/anicoll/qvantum-integration/internal/pkg/store/migration"
)

// ControllerCommand is the entry point of the qvantum controller CLI
// command. Secrets and endpoints come from the environment; polling
// tunables layer on top from flags.
func ControllerCommand(ctx *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.FastScanInterval = ctx.Duration("fast-scan-interval")
	cfg.NormalScanInterval = ctx.Duration("normal-scan-interval")
	cfg.InventoryTTL = ctx.Duration("inventory-ttl")
	cfg.MigrationsFolder = ctx.String("migrations-folder")
	cfg.ListenAddr = ctx.String("listen-addr")
	cfg.LogLevel = ctx.String("log-level")

	if err := cfg.Validate(); err != nil {
		return err
	}
	return run(ctx.Context, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	errorChan := make(chan error, 1000)
	var err error

	eg, ctx := errgroup.WithContext(ctx)
	logCfg := zap.NewProductionConfig()

	logCfg.Level, err = zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	logger := zap.Must(logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)))
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	if err := migration.Migrate(cfg.DatabaseURL, cfg.MigrationsFolder); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	st := store.New(conn)

	if err := publisher.Register("postgres", st); err != nil {
		return err
	}
	if cfg.MqttCfg.Host != "" {
		opts := paho_mqtt.NewClientOptions().
			AddBroker(cfg.MqttCfg.Host).
			SetUsername(cfg.MqttCfg.Username).
			SetPassword(cfg.MqttCfg.Password).
			SetClientID("qvantum-controller").
			SetAutoReconnect(true)
		mqttSvc := mqtt.New(paho_mqtt.NewClient(opts))
		if err := mqttSvc.Connect(); err != nil {
			return fmt.Errorf("connecting to mqtt broker: %w", err)
		}
		if err := publisher.Register("mqtt", mqttSvc); err != nil {
			return err
		}
	}

	tokens := qvantum.NewTokenSource(
		cfg.QvantumCfg.AuthServer,
		cfg.QvantumCfg.TokenServer,
		cfg.QvantumCfg.APIKey,
		&qvantum.Credential{Email: cfg.QvantumCfg.Email, Password: cfg.QvantumCfg.Password},
		st,
	)
	if err := tokens.Load(ctx); err != nil {
		logger.Warn("no stored session, will login with password", zap.Error(err))
	}
	client := qvantum.NewClient(cfg.QvantumCfg.APIEndpoint, tokens)

	devices, err := discoverDevices(ctx, client, st)
	if err != nil {
		return fmt.Errorf("discovering devices: %w", err)
	}
	if len(devices) == 0 {
		return errors.New("no devices on account")
	}

	inv := inventory.New(client, cfg.InventoryTTL)
	accessMgr := access.New(client, st)
	if err := accessMgr.Load(ctx); err != nil {
		logger.Warn("failed to restore access state", zap.Error(err))
	}

	fast := coordinator.New(coordinator.Fast, cfg.FastScanInterval, client, accessMgr, inv, devices)
	normal := coordinator.New(coordinator.Normal, cfg.NormalScanInterval, client, accessMgr, inv, devices)
	disp := dispatcher.New(client, accessMgr, inv, normal)

	eg.Go(func() error {
		return cronStoreCleanup(st, errorChan)
	})

	eg.Go(func() error {
		return fast.Run(ctx)
	})

	eg.Go(func() error {
		return normal.Run(ctx)
	})

	eg.Go(func() error {
		srv := &http.Server{
			Handler:      server.New(devices, fast, normal, disp, accessMgr, st).Router(),
			Addr:         cfg.ListenAddr,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		// handle any async errors from services
		for {
			select {
			case err := <-errorChan:
				if errors.Is(err, errCron) {
					logger.Error("cron error", zap.Error(err))
					return err
				}
			case <-ctx.Done():
				logger.Info("context done")
				return ctx.Err()
			}
		}
	})

	return eg.Wait()
}

// discoverDevices lists the account's heat pumps once at startup and
// announces them to every sink. Rediscovery means a restart.
func discoverDevices(ctx context.Context, client *qvantum.Client, st *store.Store) ([]model.Device, error) {
	records, err := client.Devices(ctx)
	if err != nil {
		return nil, err
	}
	devices := lo.Map(records, func(r qvantum.DeviceRecord, _ int) model.Device {
		return model.Device{
			ID:               r.ID,
			SerialNumber:     r.Serial,
			Model:            r.Model,
			Manufacturer:     r.Vendor,
			FirmwareDisplay:  r.Firmware.DisplayVersion,
			FirmwareControl:  r.Firmware.ControlVersion,
			FirmwareInverter: r.Firmware.InverterVersion,
		}
	})
	for _, dev := range devices {
		if err := st.RegisterDevice(&dev); err != nil {
			return nil, err
		}
		if err := publisher.RegisterDevice(&dev); err != nil {
			return nil, err
		}
		zap.L().Info("discovered device",
			zap.String("device_id", dev.ID),
			zap.String("model", dev.Model),
			zap.String("serial", dev.SerialNumber))
	}
	return devices, nil
}

var errCron = errors.New("cron error")

func cronStoreCleanup(st *store.Store, errChan chan error) error {
	if err := st.Cleanup(context.Background()); err != nil {
		return err
	}

	// CRON automation
	c := cron.New()
	if _, err := c.AddFunc("0 3 * * *", func() {
		if err := st.Cleanup(context.Background()); err != nil {
			zap.L().Error("error cleaning up snapshot history", zap.Error(err))
			errChan <- errCron
			return
		}
		zap.L().Info("cleaned up snapshot history")
	}); err != nil {
		return err
	}
	c.Start()
	return nil
}
