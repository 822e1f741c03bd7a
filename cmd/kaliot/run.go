package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kaliot/kaliot"
	"github.com/kaliot/kaliot/iothub"
)

const (
	httpTimeout = 30 * time.Second
	sasTokenTTL = time.Hour
)

type runOptions struct {
	connectionString string
	protocol         string
}

// NewRunCommand starts the agent.
func NewRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect observations and forward them upstream until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.connectionString, "connection-string", "c", "", "IoT hub device connection string, overrides the config file")
	f.StringVarP(&opts.protocol, "protocol", "p", "", "transport protocol (mqtt, mqtt_ws, http), overrides the config file")

	return cmd
}

func run(ctx context.Context, opts *runOptions) error {
	config, err := loadConfig(func(ac *kaliot.AppConfig) {
		if opts.connectionString != "" {
			ac.IoTHubConfig.ConnectionString = opts.connectionString
		}
		if opts.protocol != "" {
			ac.PublisherConfig.Protocol = opts.protocol
		}
	})
	if err != nil {
		return err
	}

	dbConfig := config.DatabaseConfig
	if dbConfig.AutoMigrate {
		if err := doMigrate(dbConfig.Path, dbConfig.Migrations, 0, true); err != nil {
			return pkgerrors.Wrapf(err, "failed to perform migrations")
		}
	}

	sensors, err := connectSensors(config.ProducerConfig)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to connect to sensors")
	}
	defer sensors.Close()

	db, err := sqlx.Open("sqlite3", dbConfig.Path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to connect to datastore")
	}
	defer db.Close()

	datastore := kaliot.NewSqliteDataStore(db)
	producer := kaliot.NewSensorProducer(sensors.atmos, sensors.light, datastore,
		time.Duration(config.ProducerConfig.PollIntervalSecs)*time.Second)
	formatter := kaliot.NewTelemetryFormatter(config.DeviceID, config.TelemetryConfig.Fields)

	var (
		session   *iothub.Session
		transport kaliot.Transport
		reporter  kaliot.StateReporter
		stats     kaliot.StatsSource
	)
	if config.PublisherConfig.Protocol == kaliot.ProtocolHTTP {
		transport, err = newHTTPTransport(config)
		if err != nil {
			return err
		}
	} else {
		session, err = newSession(config)
		if err != nil {
			return err
		}
		transport, reporter, stats = session, session, session
	}

	publisher := kaliot.NewPublisher(datastore, formatter, transport)
	producer.SetNotifier(publisher)
	settings := kaliot.NewSettings(producer, reporter)

	g, ctx := errgroup.WithContext(ctx)

	if session != nil {
		session.HandleDesired(settings.HandleDesired)
		session.HandleMethod("reportNow", func([]byte) (int, interface{}) {
			producer.Wake()
			return http.StatusOK, map[string]string{"Response": "report scheduled"}
		})

		g.Go(func() error {
			return session.Run(ctx, reportStartup(session, settings))
		})
	}

	g.Go(func() error {
		return producer.Run(ctx)
	})
	g.Go(func() error {
		return publisher.Run(ctx, time.Duration(config.PublisherConfig.PushIntervalSecs)*time.Second)
	})

	if listen := config.StatusConfig.Listen; listen != "" {
		status := kaliot.NewStatusServer(config.DeviceID, producer, settings, stats)
		g.Go(func() error {
			return status.Run(ctx, listen)
		})
	}

	log.WithField("deviceId", config.DeviceID).Info("agent started")
	err = g.Wait()
	log.Info("graceful shutdown completed")

	return err
}

// reportStartup tells the hub the agent is up and which settings are in effect.
func reportStartup(session *iothub.Session, settings *kaliot.Settings) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := session.ReportState(ctx, map[string]string{"newState": "standBy"}); err != nil {
			log.WithError(err).Warn("failed to report startup state")
		}
		if err := settings.Report(ctx); err != nil {
			log.WithError(err).Warn("failed to report settings")
		}
	}
}

func newSession(config *kaliot.AppConfig) (*iothub.Session, error) {
	creds, err := config.Credentials()
	if err != nil {
		return nil, err
	}

	hub := config.IoTHubConfig
	return iothub.NewSession(iothub.Config{
		Credentials:    creds,
		Protocol:       config.PublisherConfig.Protocol,
		RetryInterval:    time.Duration(hub.RetryIntervalSecs) * time.Second,
		MaxRetryInterval: time.Duration(hub.MaxRetryIntervalSecs) * time.Second,
		MessageTimeout:   time.Duration(hub.MessageTimeoutMs) * time.Millisecond,
		KeepAlive:        time.Duration(hub.KeepAliveSecs) * time.Second,
		TokenTTL:         sasTokenTTL,
	})
}

// newHTTPTransport signs requests with a SAS token when a connection string is configured.
func newHTTPTransport(config *kaliot.AppConfig) (*kaliot.HTTPTransport, error) {
	var token kaliot.TokenSource
	if config.IoTHubConfig.ConnectionString != "" {
		creds, err := config.Credentials()
		if err != nil {
			return nil, err
		}
		token = func() (string, error) {
			return iothub.SASToken(creds, time.Now().Add(sasTokenTTL))
		}
	}

	return kaliot.NewHTTPTransport(config.PublisherConfig.EndpointConfig, &http.Client{Timeout: httpTimeout}, token), nil
}
