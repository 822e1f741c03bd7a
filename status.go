package kaliot

import (
	"context"
	"errors"
	"io/ioutil"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kaliot/kaliot/iothub"
)

const shutdownTimeout = 5 * time.Second

// StatsSource reports the hub session counters.
type StatsSource interface {
	Stats() iothub.Stats
}

// Status is the body of GET /status.
type Status struct {
	DeviceID      string           `json:"deviceId"`
	UptimeSeconds int64            `json:"uptimeSecs"`
	Latest        *Observation     `json:"latest"`
	Settings      ReportedSettings `json:"settings"`
	Session       *iothub.Stats    `json:"session,omitempty"`
}

// StatusServer serves the agent's local status endpoints.
type StatusServer struct {
	deviceID string
	producer *SensorProducer
	settings *Settings
	session  StatsSource
	started  time.Time

	router *gin.Engine
}

// NewStatusServer creates a new StatusServer. session may be nil when telemetry goes over HTTP.
func NewStatusServer(deviceID string, producer *SensorProducer, settings *Settings, session StatsSource) *StatusServer {
	ss := &StatusServer{
		deviceID: deviceID,
		producer: producer,
		settings: settings,
		session:  session,
		started:  time.Now(),
	}
	ss.router = ss.setupRoutes()

	return ss
}

func (ss *StatusServer) setupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/healthz", ss.getHealth)
	router.GET("/status", ss.getStatus)
	router.GET("/settings", ss.getSettings)
	router.PUT("/settings", ss.setSettings)
	router.POST("/report", ss.reportNow)

	return router
}

// Handler returns the routes, for mounting or testing.
func (ss *StatusServer) Handler() http.Handler {
	return ss.router
}

// Run serves on addr until ctx is done.
func (ss *StatusServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: ss.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("component", "StatusServer").
			WithField("addr", addr).
			Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return pkgerrors.Wrapf(err, "status server on %s failed", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (ss *StatusServer) getHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (ss *StatusServer) getStatus(c *gin.Context) {
	status := Status{
		DeviceID:      ss.deviceID,
		UptimeSeconds: int64(time.Since(ss.started) / time.Second),
		Latest:        ss.producer.Latest(),
		Settings:      ss.settings.Current(),
	}
	if ss.session != nil {
		stats := ss.session.Stats()
		status.Session = &stats
	}

	c.IndentedJSON(http.StatusOK, status)
}

func (ss *StatusServer) getSettings(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, ss.settings.Current())
}

func (ss *StatusServer) setSettings(c *gin.Context) {
	body, err := ioutil.ReadAll(c.Request.Body)
	if err != nil {
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := ss.settings.Update(body); err != nil {
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := ss.settings.Report(c.Request.Context()); err != nil {
		logrus.WithError(err).
			WithField("component", "StatusServer").
			WithField("event", "settings").
			Warn("settings applied but not reported")
	}

	c.IndentedJSON(http.StatusOK, ss.settings.Current())
}

func (ss *StatusServer) reportNow(c *gin.Context) {
	ss.producer.Wake()
	c.Status(http.StatusAccepted)
}

// ginLogger writes one logrus entry per request. Client errors are warnings, server errors and handler errors are
// errors, everything else is debug.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// captured before c.Next, handlers may rewrite the request path
		path := c.Request.URL.Path
		start := time.Now()

		c.Next()

		latencyMs := int(math.Ceil(float64(time.Since(start)) / float64(time.Millisecond)))
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		entry := logger.WithField("component", "StatusServer").
			WithField("event", "request").
			WithFields(logrus.Fields{
				"method":     c.Request.Method,
				"path":       path,
				"statusCode": status,
				"latencyMs":  latencyMs,
				"bytes":      size,
			})

		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			entry.WithField("errors", errs.String()).Error("request failed")
			return
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}
