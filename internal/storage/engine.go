// Package storage implements the durable store for bars, indicator values
// and simulation labels on DuckDB. The engine is the single writer of
// durable state; every other component pushes mutations through it.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/marketdna/dna-pipeline/internal/calendar"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"
)

// StoredBar is one accepted bar with its validation context.
type StoredBar struct {
	Bar     types.Bar
	Session types.TradingSession
	Report  types.QualityReport
}

// QueryFilter narrows bar queries.
type QueryFilter struct {
	RegularHoursOnly bool
	MinQualityScore  optional.Option[float64]
}

// MissingReport is the outcome of grid-exact gap detection.
type MissingReport struct {
	// Missing lists expected-but-absent grid timestamps.
	Missing []time.Time
	// Misaligned lists stored timestamps that sit off the canonical grid.
	Misaligned []time.Time
}

// StoreQuality aggregates quality over the stored rows of a range.
type StoreQuality struct {
	TotalBars      int     `json:"total_bars"`
	ScoreMean      float64 `json:"score_mean"`
	ScoreMin       float64 `json:"score_min"`
	BelowThreshold int     `json:"below_threshold"`
	LabeledBars    int     `json:"labeled_bars"`
}

// Engine owns the DuckDB store.
type Engine struct {
	db       *sql.DB
	logger   *logger.Logger
	sq       squirrel.StatementBuilderType
	calendar *calendar.Calendar
	columns  []string
}

// NewEngine opens (or creates) the store at path and migrates it to the
// binary's schema version, extending the indicator column set for the
// configured catalog. Refuses to open a store whose schema version is
// newer than the binary's.
func NewEngine(path string, catalog []types.IndicatorParams, cal *calendar.Calendar, log *logger.Logger) (*Engine, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to open store", err)
	}

	engine := &Engine{
		db:       db,
		logger:   log,
		sq:       squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		calendar: cal,
		columns:  catalogColumns(catalog),
	}

	if err := engine.migrate(catalog); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			log.Warn("failed to close store after migration error", zap.Error(closeErr))
		}

		return nil, err
	}

	return engine, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// BulkUpsert writes a batch of accepted bars atomically. Conflict policy is
// overwrite-if-higher-quality-score: an existing row survives unless the
// incoming row carries a strictly higher score or equal score with newer
// ingestion. Re-applying the same batch is a no-op. Returns the number of
// rows written or replaced.
func (e *Engine) BulkUpsert(bars []StoredBar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	e.warnConflicts(bars)

	tx, err := e.db.Begin()
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to begin upsert transaction", err)
	}

	written, err := e.upsertInTx(tx, bars)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Warn("rollback failed after upsert error", zap.Error(rbErr))
		}

		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to commit upsert", err)
	}

	return written, nil
}

// CommitUnit writes bars, their indicator values and their labels in one
// transaction, so a queryable label always refers to a stored bar. Crash
// mid-unit leaves the store in its pre-unit state.
func (e *Engine) CommitUnit(bars []StoredBar, values []types.IndicatorValue, labels []types.SimulationLabel) (int, error) {
	e.warnConflicts(bars)

	tx, err := e.db.Begin()
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to begin commit unit", err)
	}

	rollback := func() {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}

	written, err := e.upsertInTx(tx, bars)
	if err != nil {
		rollback()

		return 0, err
	}

	if err := e.writeIndicatorsInTx(tx, values); err != nil {
		rollback()

		return 0, err
	}

	if err := e.markLabelsInTx(tx, labels); err != nil {
		rollback()

		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to commit unit", err)
	}

	return written, nil
}

// upsertInTx performs the conditional upsert inside the given transaction.
func (e *Engine) upsertInTx(tx *sql.Tx, bars []StoredBar) (int, error) {
	const stmt = `
		INSERT INTO bars (
			symbol, timeframe, ts, open, high, low, close, volume,
			source, ingested_at, session, is_regular_hours,
			quality_score, quality_issues
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			source = excluded.source,
			ingested_at = excluded.ingested_at,
			session = excluded.session,
			is_regular_hours = excluded.is_regular_hours,
			quality_score = excluded.quality_score,
			quality_issues = excluded.quality_issues
		WHERE excluded.quality_score > bars.quality_score
			OR (excluded.quality_score = bars.quality_score AND excluded.ingested_at > bars.ingested_at);
	`

	prepared, err := tx.Prepare(stmt)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to prepare upsert", err)
	}
	defer prepared.Close()

	written := 0

	for _, sb := range bars {
		issues, err := json.Marshal(sb.Report.Issues)
		if err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.ErrCodeInternalInvariant, "failed to encode quality issues", err)
		}

		result, err := prepared.Exec(
			sb.Bar.Symbol,
			string(sb.Bar.Timeframe),
			sb.Bar.Timestamp.UTC(),
			sb.Bar.Open,
			sb.Bar.High,
			sb.Bar.Low,
			sb.Bar.Close,
			sb.Bar.Volume,
			sb.Bar.Source,
			sb.Bar.IngestedAt.UTC(),
			string(sb.Session),
			sb.Session == types.SessionRegular,
			sb.Report.Score,
			string(issues),
		)
		if err != nil {
			return 0, pkgerrors.Wrapf(pkgerrors.ErrCodeStoreIOError, err,
				"failed to upsert bar %s/%s@%s", sb.Bar.Symbol, sb.Bar.Timeframe, sb.Bar.Timestamp.Format(time.RFC3339))
		}

		if affected, err := result.RowsAffected(); err == nil {
			written += int(affected)
		}
	}

	return written, nil
}

// warnConflicts logs conflicting duplicates: same key, different content.
// Identical re-sends stay silent, they are expected from re-fetches.
func (e *Engine) warnConflicts(bars []StoredBar) {
	for _, sb := range bars {
		stored, err := e.getBar(sb.Bar.Symbol, sb.Bar.Timeframe, sb.Bar.Timestamp)
		if err != nil || stored.IsNone() {
			continue
		}

		existing := stored.Unwrap()
		if !existing.Equal(sb.Bar) {
			e.logger.Warn("conflicting duplicate bar, resolving by quality score",
				zap.String("symbol", sb.Bar.Symbol),
				zap.String("timeframe", string(sb.Bar.Timeframe)),
				zap.Time("timestamp", sb.Bar.Timestamp),
			)
		}
	}
}

// getBar reads one bar by key.
func (e *Engine) getBar(symbol string, tf types.Timeframe, ts time.Time) (optional.Option[types.Bar], error) {
	row := e.db.QueryRow(`
		SELECT symbol, timeframe, ts, open, high, low, close, volume, source, ingested_at
		FROM bars WHERE symbol = ? AND timeframe = ? AND ts = ?;
	`, symbol, string(tf), ts.UTC())

	bar, err := scanBar(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return optional.None[types.Bar](), nil
		}

		return optional.None[types.Bar](), pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to read bar", err)
	}

	return optional.Some(bar), nil
}

// Query returns bars of one (symbol, timeframe) inside [rng.Start, rng.End)
// in timestamp order, applying the filter. Reads are snapshot-consistent
// for the duration of the query.
func (e *Engine) Query(symbol string, tf types.Timeframe, rng types.TimeRange, filter QueryFilter) ([]types.Bar, error) {
	builder := e.sq.
		Select("symbol", "timeframe", "ts", "open", "high", "low", "close", "volume", "source", "ingested_at").
		From("bars").
		Where(squirrel.Eq{"symbol": symbol, "timeframe": string(tf)}).
		Where(squirrel.GtOrEq{"ts": rng.Start.UTC()}).
		Where(squirrel.Lt{"ts": rng.End.UTC()}).
		OrderBy("ts ASC")

	if filter.RegularHoursOnly {
		builder = builder.Where(squirrel.Eq{"is_regular_hours": true})
	}

	if filter.MinQualityScore.IsSome() {
		builder = builder.Where(squirrel.GtOrEq{"quality_score": filter.MinQualityScore.Unwrap()})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to build bar query", err)
	}

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to query bars", err)
	}
	defer rows.Close()

	var bars []types.Bar

	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to scan bar", err)
		}

		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "bar query iteration failed", err)
	}

	return bars, nil
}

// DetectMissing compares stored timestamps against the calendar's expected
// grid for the range. Exact for the canonical grid; off-grid rows are
// reported separately as misaligned.
func (e *Engine) DetectMissing(symbol string, tf types.Timeframe, rng types.TimeRange) (MissingReport, error) {
	report := MissingReport{
		Missing:    nil,
		Misaligned: nil,
	}

	rows, err := e.db.Query(`
		SELECT ts FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC;
	`, symbol, string(tf), rng.Start.UTC(), rng.End.UTC())
	if err != nil {
		return report, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to query stored timestamps", err)
	}
	defer rows.Close()

	stored := make(map[time.Time]struct{})

	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return report, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to scan timestamp", err)
		}

		ts = ts.UTC()
		stored[ts] = struct{}{}

		if !e.calendar.IsAligned(ts, tf) {
			report.Misaligned = append(report.Misaligned, ts)
		}
	}

	if err := rows.Err(); err != nil {
		return report, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "timestamp query iteration failed", err)
	}

	for _, expected := range e.calendar.ExpectedTimestamps(tf, rng) {
		if _, ok := stored[expected.UTC()]; !ok {
			report.Missing = append(report.Missing, expected.UTC())
		}
	}

	return report, nil
}

// QualityReport aggregates stored quality over a range across all symbols
// and timeframes.
func (e *Engine) QualityReport(rng types.TimeRange, acceptanceThreshold float64) (StoreQuality, error) {
	row := e.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(AVG(quality_score), 0),
			COALESCE(MIN(quality_score), 0),
			COALESCE(SUM(CASE WHEN quality_score < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN label_exit_reason IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM bars WHERE ts >= ? AND ts < ?;
	`, acceptanceThreshold, rng.Start.UTC(), rng.End.UTC())

	var quality StoreQuality
	if err := row.Scan(&quality.TotalBars, &quality.ScoreMean, &quality.ScoreMin, &quality.BelowThreshold, &quality.LabeledBars); err != nil {
		return StoreQuality{}, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to aggregate quality", err)
	}

	return quality, nil
}

// MarkLabels writes simulation labels onto their bars. Idempotent: writing
// the same labels twice leaves the store identical. A label whose bar is
// absent is an upstream invariant violation.
func (e *Engine) MarkLabels(labels []types.SimulationLabel) error {
	tx, err := e.db.Begin()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to begin label transaction", err)
	}

	if err := e.markLabelsInTx(tx, labels); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Warn("rollback failed after label error", zap.Error(rbErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to commit labels", err)
	}

	return nil
}

func (e *Engine) markLabelsInTx(tx *sql.Tx, labels []types.SimulationLabel) error {
	const stmt = `
		UPDATE bars SET
			label_entry_price = ?,
			label_stop_price = ?,
			label_take_price = ?,
			label_shares = ?,
			label_exit_ts = ?,
			label_exit_price = ?,
			label_exit_reason = ?,
			label_bars_to_exit = ?,
			label_pnl = ?,
			label_outcome = ?,
			label_max_favorable = ?,
			label_max_adverse = ?
		WHERE symbol = ? AND timeframe = ? AND ts = ?;
	`

	prepared, err := tx.Prepare(stmt)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to prepare label update", err)
	}
	defer prepared.Close()

	for _, label := range labels {
		result, err := prepared.Exec(
			label.EntryPrice,
			label.StopPrice,
			label.TakePrice,
			label.Shares,
			label.ExitTimestamp.UTC(),
			label.ExitPrice,
			string(label.ExitReason),
			label.BarsToExit,
			label.PnL,
			string(label.Outcome),
			label.MaxFavorable,
			label.MaxAdverse,
			label.Symbol,
			string(label.Timeframe),
			label.EntryTimestamp.UTC(),
		)
		if err != nil {
			return pkgerrors.Wrapf(pkgerrors.ErrCodeStoreIOError, err,
				"failed to write label for %s@%s", label.Symbol, label.EntryTimestamp.Format(time.RFC3339))
		}

		affected, err := result.RowsAffected()
		if err == nil && affected == 0 {
			return pkgerrors.Newf(pkgerrors.ErrCodeLabelWithoutBar,
				"label for %s/%s@%s has no stored bar", label.Symbol, label.Timeframe, label.EntryTimestamp.Format(time.RFC3339))
		}
	}

	return nil
}

// WriteIndicators persists indicator values into their columns. Invalid
// (warming-up) values clear the column to NULL so the validity flag
// round-trips through storage.
func (e *Engine) WriteIndicators(values []types.IndicatorValue) error {
	tx, err := e.db.Begin()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to begin indicator transaction", err)
	}

	if err := e.writeIndicatorsInTx(tx, values); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Warn("rollback failed after indicator error", zap.Error(rbErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeStoreIOError, "failed to commit indicators", err)
	}

	return nil
}

func (e *Engine) writeIndicatorsInTx(tx *sql.Tx, values []types.IndicatorValue) error {
	for _, value := range values {
		column := indicatorColumn(value.Fingerprint, value.Field)
		if !e.hasColumn(column) {
			return pkgerrors.Newf(pkgerrors.ErrCodeStoreConflict,
				"indicator column %s not present in schema; catalog changed without migration", column)
		}

		stmt := fmt.Sprintf(`UPDATE bars SET %s = ? WHERE symbol = ? AND timeframe = ? AND ts = ?;`, column)

		var stored any
		if value.Valid {
			stored = value.Value
		} else {
			stored = nil
		}

		if _, err := tx.Exec(stmt, stored, value.Symbol, string(value.Timeframe), value.Timestamp.UTC()); err != nil {
			return pkgerrors.Wrapf(pkgerrors.ErrCodeStoreIOError, err, "failed to write indicator %s", column)
		}
	}

	return nil
}

// ReadIndicator reads one indicator cell. None means the value is absent
// or still warming up.
func (e *Engine) ReadIndicator(symbol string, tf types.Timeframe, ts time.Time, fingerprint, field string) (optional.Option[float64], error) {
	column := indicatorColumn(fingerprint, field)
	if !e.hasColumn(column) {
		return optional.None[float64](), pkgerrors.Newf(pkgerrors.ErrCodeQueryFailed, "indicator column %s not in schema", column)
	}

	stmt := fmt.Sprintf(`SELECT %s FROM bars WHERE symbol = ? AND timeframe = ? AND ts = ?;`, column)
	row := e.db.QueryRow(stmt, symbol, string(tf), ts.UTC())

	var value sql.NullFloat64
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return optional.None[float64](), nil
		}

		return optional.None[float64](), pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to read indicator", err)
	}

	if !value.Valid {
		return optional.None[float64](), nil
	}

	return optional.Some(value.Float64), nil
}

// ClearIndicator nulls one fingerprint's columns over the whole store.
// Called when a parameter set is reconfigured before recomputation.
func (e *Engine) ClearIndicator(fingerprint string, family types.IndicatorFamily) error {
	for _, field := range indicatorFields(family) {
		column := indicatorColumn(fingerprint, field)
		if !e.hasColumn(column) {
			continue
		}

		stmt := fmt.Sprintf(`UPDATE bars SET %s = NULL;`, column)
		if _, err := e.db.Exec(stmt); err != nil {
			return pkgerrors.Wrapf(pkgerrors.ErrCodeStoreIOError, err, "failed to clear indicator column %s", column)
		}
	}

	return nil
}

// GetLabels returns labels for a symbol inside [from, to) across all
// timeframes, ordered by entry timestamp.
func (e *Engine) GetLabels(symbol string, rng types.TimeRange) ([]types.SimulationLabel, error) {
	rows, err := e.db.Query(`
		SELECT symbol, timeframe, ts,
			label_entry_price, label_stop_price, label_take_price, label_shares,
			label_exit_ts, label_exit_price, label_exit_reason,
			label_bars_to_exit, label_pnl, label_outcome,
			label_max_favorable, label_max_adverse
		FROM bars
		WHERE symbol = ? AND ts >= ? AND ts < ? AND label_exit_reason IS NOT NULL
		ORDER BY ts ASC;
	`, symbol, rng.Start.UTC(), rng.End.UTC())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to query labels", err)
	}
	defer rows.Close()

	var labels []types.SimulationLabel

	for rows.Next() {
		var (
			label     types.SimulationLabel
			timeframe string
			reason    string
			outcome   sql.NullString
		)

		err := rows.Scan(
			&label.Symbol, &timeframe, &label.EntryTimestamp,
			&label.EntryPrice, &label.StopPrice, &label.TakePrice, &label.Shares,
			&label.ExitTimestamp, &label.ExitPrice, &reason,
			&label.BarsToExit, &label.PnL, &outcome,
			&label.MaxFavorable, &label.MaxAdverse,
		)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to scan label", err)
		}

		label.Timeframe = types.Timeframe(timeframe)
		label.ExitReason = types.ExitReason(reason)
		label.EntryTimestamp = label.EntryTimestamp.UTC()
		label.ExitTimestamp = label.ExitTimestamp.UTC()

		if outcome.Valid {
			label.Outcome = types.TradeOutcome(outcome.String)
		}

		labels = append(labels, label)
	}

	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "label query iteration failed", err)
	}

	return labels, nil
}

// LastCommitted returns the newest stored timestamp for one key, used as
// the resume point after a crash.
func (e *Engine) LastCommitted(symbol string, tf types.Timeframe) (optional.Option[time.Time], error) {
	row := e.db.QueryRow(`SELECT MAX(ts) FROM bars WHERE symbol = ? AND timeframe = ?;`, symbol, string(tf))

	var ts sql.NullTime
	if err := row.Scan(&ts); err != nil {
		return optional.None[time.Time](), pkgerrors.Wrap(pkgerrors.ErrCodeQueryFailed, "failed to read last committed timestamp", err)
	}

	if !ts.Valid {
		return optional.None[time.Time](), nil
	}

	return optional.Some(ts.Time.UTC()), nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanBar.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBar(scanner rowScanner) (types.Bar, error) {
	var (
		bar       types.Bar
		timeframe string
	)

	err := scanner.Scan(
		&bar.Symbol, &timeframe, &bar.Timestamp,
		&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume,
		&bar.Source, &bar.IngestedAt,
	)
	if err != nil {
		return types.Bar{}, err
	}

	bar.Timeframe = types.Timeframe(timeframe)
	bar.Timestamp = bar.Timestamp.UTC()
	bar.IngestedAt = bar.IngestedAt.UTC()

	return bar, nil
}

// hasColumn checks the migrated indicator column set.
func (e *Engine) hasColumn(name string) bool {
	for _, column := range e.columns {
		if column == name {
			return true
		}
	}

	return false
}
