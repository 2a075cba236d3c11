package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/marketdna/dna-pipeline/internal/types"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
)

// SchemaVersion is the schema this binary expects. The engine refuses to
// open a store whose version is newer.
const SchemaVersion = 2

// baseSchema is migration 1: the wide bar table and its indexes. Indicator
// and label columns ride on the same row and stay NULL until computed.
const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT current_timestamp
);

CREATE TABLE IF NOT EXISTS bars (
	symbol VARCHAR NOT NULL,
	timeframe VARCHAR NOT NULL,
	ts TIMESTAMP NOT NULL,
	open DOUBLE NOT NULL,
	high DOUBLE NOT NULL,
	low DOUBLE NOT NULL,
	close DOUBLE NOT NULL,
	volume DOUBLE NOT NULL,
	source VARCHAR NOT NULL,
	ingested_at TIMESTAMP NOT NULL,
	session VARCHAR NOT NULL,
	is_regular_hours BOOLEAN NOT NULL,
	quality_score DOUBLE NOT NULL,
	quality_issues VARCHAR NOT NULL DEFAULT '[]',
	label_entry_price DOUBLE,
	label_stop_price DOUBLE,
	label_take_price DOUBLE,
	label_shares INTEGER,
	label_exit_ts TIMESTAMP,
	label_exit_price DOUBLE,
	label_exit_reason VARCHAR,
	label_bars_to_exit INTEGER,
	label_pnl DOUBLE,
	label_outcome VARCHAR,
	label_max_favorable DOUBLE,
	label_max_adverse DOUBLE,
	PRIMARY KEY (symbol, timeframe, ts)
);

CREATE INDEX IF NOT EXISTS idx_bars_ts ON bars (ts);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_regular ON bars (symbol, is_regular_hours);
CREATE INDEX IF NOT EXISTS idx_bars_quality ON bars (quality_score);
`

// indicatorColumn derives the column name for one (fingerprint, field)
// pair. Fingerprints are stable hashes, so the column set is fixed for a
// given catalog.
func indicatorColumn(fingerprint, field string) string {
	name := strings.ToLower(fingerprint + "_" + field)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)

	return "ind_" + name
}

// indicatorFields lists the output fields each family persists.
func indicatorFields(family types.IndicatorFamily) []string {
	switch family {
	case types.IndicatorMACD:
		return []string{"macd", "signal", "histogram"}
	case types.IndicatorBollingerBands:
		return []string{"upper", "middle", "lower"}
	case types.IndicatorStochastic:
		return []string{"k", "d"}
	case types.IndicatorADX:
		return []string{"adx", "plus_di", "minus_di"}
	default:
		return []string{"value"}
	}
}

// catalogColumns enumerates every indicator column the configured catalog
// requires.
func catalogColumns(catalog []types.IndicatorParams) []string {
	var columns []string

	for _, params := range catalog {
		fingerprint := params.Fingerprint()
		for _, field := range indicatorFields(params.Family) {
			columns = append(columns, indicatorColumn(fingerprint, field))
		}
	}

	return columns
}

// migrate brings the store to SchemaVersion. Migration 2 adds the
// indicator columns for the configured catalog; re-running with a larger
// catalog extends the column set in place.
func (e *Engine) migrate(catalog []types.IndicatorParams) error {
	if _, err := e.db.Exec(baseSchema); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to create base schema", err)
	}

	current, err := e.currentVersion()
	if err != nil {
		return err
	}

	if current > SchemaVersion {
		return pkgerrors.Newf(pkgerrors.ErrCodeSchemaVersionNewer,
			"store schema version %d is newer than binary schema version %d", current, SchemaVersion)
	}

	for _, column := range catalogColumns(catalog) {
		stmt := fmt.Sprintf(`ALTER TABLE bars ADD COLUMN IF NOT EXISTS %s DOUBLE;`, column)
		if _, err := e.db.Exec(stmt); err != nil {
			return pkgerrors.Wrapf(pkgerrors.ErrCodeStoreIOError, err, "failed to add indicator column %s", column)
		}
	}

	if current < SchemaVersion {
		if _, err := e.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?);`, SchemaVersion); err != nil {
			return pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to record schema version", err)
		}
	}

	return nil
}

// currentVersion reads the highest recorded migration version.
func (e *Engine) currentVersion() (int, error) {
	row := e.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`)

	var version int
	if err := row.Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}

		return 0, pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to read schema version", err)
	}

	return version, nil
}
