package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

const schema = `CREATE TABLE IF NOT EXISTS evicted_records (
	id             INTEGER PRIMARY KEY,
	batch_id       TEXT    NOT NULL,
	agent_id       INTEGER NOT NULL,
	sensor_type_id INTEGER NOT NULL,
	method_id      INTEGER NOT NULL,
	kind           TEXT    NOT NULL,
	timestamp_ns   INTEGER,
	payload        TEXT,
	evicted_at     INTEGER NOT NULL
)`

const insertRecord = `INSERT OR REPLACE INTO evicted_records
	(id, batch_id, agent_id, sensor_type_id, method_id, kind, timestamp_ns, payload, evicted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLWriter stores evicted elements in a libsql database
type SQLWriter struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLWriter connects to dsn and creates the record table if needed
func OpenSQLWriter(ctx context.Context, dsn string, logger zerolog.Logger) (*SQLWriter, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create evicted_records table: %w", err)
	}
	logger.Info().Str("dsn", dsn).Msg("storage database ready")
	return &SQLWriter{db: db, logger: logger}, nil
}

// Write stores one batch in a single transaction
func (w *SQLWriter) Write(ctx context.Context, batchID uuid.UUID, elements []*trees.Element) error {
	if len(elements) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRecord)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	evictedAt := time.Now().UnixNano()
	for _, e := range elements {
		var payload sql.NullString
		if e.Payload != nil {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode payload of element %d: %w", e.ID, err)
			}
			payload = sql.NullString{String: string(raw), Valid: true}
		}
		var ts sql.NullInt64
		if !e.Timestamp.IsZero() {
			ts = sql.NullInt64{Int64: e.Timestamp.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			int64(e.ID), batchID.String(), int64(e.AgentID), int64(e.SensorTypeID), int64(e.MethodID),
			e.Kind.String(), ts, payload, evictedAt,
		); err != nil {
			return fmt.Errorf("failed to insert element %d: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// StoredRecord is one row of the evicted_records table
type StoredRecord struct {
	ID           uint64
	BatchID      uuid.UUID
	AgentID      uint64
	SensorTypeID uint64
	MethodID     uint64
	Kind         trees.RecordKind
	Timestamp    time.Time
	Payload      json.RawMessage
}

// Records returns every stored record of agentID ordered by id
func (w *SQLWriter) Records(ctx context.Context, agentID uint64) ([]StoredRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT id, batch_id, agent_id, sensor_type_id, method_id, kind, timestamp_ns, payload
		 FROM evicted_records WHERE agent_id = ? ORDER BY id`, int64(agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query evicted records: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			r                         StoredRecord
			id, agent, sensor, method int64
			batch, kind               string
			ts                        sql.NullInt64
			payload                   sql.NullString
		)
		if err := rows.Scan(&id, &batch, &agent, &sensor, &method, &kind, &ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan evicted record: %w", err)
		}
		r.ID, r.AgentID, r.SensorTypeID, r.MethodID = uint64(id), uint64(agent), uint64(sensor), uint64(method)
		if r.BatchID, err = uuid.Parse(batch); err != nil {
			return nil, fmt.Errorf("record %d has malformed batch id: %w", id, err)
		}
		if kind != trees.KindUnknown.String() {
			if r.Kind, err = trees.ParseRecordKind(kind); err != nil {
				return nil, err
			}
		}
		if ts.Valid {
			r.Timestamp = time.Unix(0, ts.Int64).UTC()
		}
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database
func (w *SQLWriter) Close() error {
	return w.db.Close()
}
