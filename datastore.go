package kaliot

import (
	log "github.com/sirupsen/logrus"

	"github.com/jmoiron/sqlx"
)

const (
	stmtInsertObservation = "INSERT INTO observations (timestamp, temperature, pressure, humidity, " +
		"red, green, blue, clear, lux, color_temp, interval_secs) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);"
	queryFetchUnpublishedObservations = "SELECT timestamp, temperature, pressure, humidity, " +
		"red, green, blue, clear, lux, color_temp, interval_secs FROM observations WHERE published=false " +
		"ORDER BY timestamp ASC LIMIT ?;"
	stmtUpdatePublished = "UPDATE observations SET published=true WHERE timestamp BETWEEN ? AND ?;"

	// maxUnpublishedBatch bounds how much backlog one publish round works through.
	maxUnpublishedBatch = 100
)

// Observation is one report cycle's worth of readings, as passed to and from a DataStore.
type Observation struct {
	Timestamp       int64               `json:"timestamp"` // unix milliseconds
	AtmosReadings   AtmosphericReadings `json:"atmospherics"`
	LightReadings   LightReadings       `json:"light"`
	IntervalSeconds int                 `json:"intervalSecs"`
}

type observationRow struct {
	Timestamp       int64   `db:"timestamp"`
	Temperature     float64 `db:"temperature"`
	Pressure        float64 `db:"pressure"`
	Humidity        float64 `db:"humidity"`
	Red             float64 `db:"red"`
	Green           float64 `db:"green"`
	Blue            float64 `db:"blue"`
	Clear           float64 `db:"clear"`
	Lux             float64 `db:"lux"`
	ColorTemp       float64 `db:"color_temp"`
	IntervalSeconds int     `db:"interval_secs"`
}

// DataStore is responsible for persisting and reading data from storage.
type DataStore interface {
	Write(Observation) error
	ReadUnpublished() ([]Observation, error)
	UpdatePublished(minTimestamp, maxTimestamp int64) error
}

// SqliteDataStore is an implementation of a DataStore that uses Sqlite statement syntax.
type SqliteDataStore struct {
	db *sqlx.DB
}

// NewSqliteDataStore creates a new SqliteDataStore.
func NewSqliteDataStore(db *sqlx.DB) *SqliteDataStore {
	return &SqliteDataStore{
		db: db,
	}
}

// Write persists the observation to disk.
func (sds *SqliteDataStore) Write(obs Observation) error {
	_, err := sds.db.Exec(stmtInsertObservation,
		obs.Timestamp,
		obs.AtmosReadings.Temperature,
		obs.AtmosReadings.Pressure,
		obs.AtmosReadings.Humidity,
		obs.LightReadings.Red,
		obs.LightReadings.Green,
		obs.LightReadings.Blue,
		obs.LightReadings.Clear,
		obs.LightReadings.Lux,
		obs.LightReadings.ColorTemp,
		obs.IntervalSeconds,
	)
	if err != nil {
		return err
	}

	return nil
}

// ReadUnpublished reads the oldest unpublished observations, oldest first.
func (sds *SqliteDataStore) ReadUnpublished() ([]Observation, error) {
	var rows []observationRow
	err := sds.db.Select(&rows, queryFetchUnpublishedObservations, maxUnpublishedBatch)
	if err != nil {
		return nil, err
	}

	var observations []Observation
	for _, row := range rows {
		observations = append(observations, Observation{
			Timestamp:       row.Timestamp,
			IntervalSeconds: row.IntervalSeconds,
			AtmosReadings: AtmosphericReadings{
				Temperature: row.Temperature,
				Pressure:    row.Pressure,
				Humidity:    row.Humidity,
			},
			LightReadings: LightReadings{
				Red:       row.Red,
				Green:     row.Green,
				Blue:      row.Blue,
				Clear:     row.Clear,
				Lux:       row.Lux,
				ColorTemp: row.ColorTemp,
			},
		})
	}

	return observations, nil
}

// UpdatePublished sets all rows to published where timestamp is between the bounds.
func (sds *SqliteDataStore) UpdatePublished(minTimestamp, maxTimestamp int64) error {
	_, err := sds.db.Exec(stmtUpdatePublished, minTimestamp, maxTimestamp)
	if err != nil {
		// The rows get sent again next round, upstream tolerates duplicates.
		log.WithError(err).
			WithField("component", "SqliteDataStore").
			WithField("event", "UpdatePublished").
			Error("failed to update published rows")
		return err
	}

	return nil
}
