package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/gridwise/gridagent-server/internal/domain"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// zeroIV is the placeholder initialization vector written alongside
// rows the surrounding application expects to be encryption-ready.
var zeroIV = make([]byte, 16)

// rawInsertChunk bounds the rows per INSERT statement to stay under
// the sqlite bind-variable limit.
const rawInsertChunk = 300

// dbtx abstracts *sql.DB and *sql.Tx so the same query methods serve
// auto-commit and transactional access.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is the Store implementation backed by modernc.org/sqlite.
type SQLite struct {
	queries
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; sqlite serializes writes anyway and a second write
	// handle only produces SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(db, migrationFS, "migrations")
	logger.Info().Str("path", path).Msg("Database opened, migrations applied")

	return &SQLite{
		queries: queries{db: db},
		db:      db,
		logger:  logger,
	}, nil
}

// Begin opens a transaction covering one message visit.
func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{queries: queries{db: tx}, tx: tx}, nil
}

// Reset drops pooled handles after a transient failure so the next
// visit starts on a fresh connection.
func (s *SQLite) Reset(ctx context.Context) error {
	s.db.SetMaxIdleConns(0)
	s.db.SetMaxIdleConns(2)
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable after reset: %w", err)
	}
	s.logger.Warn().Msg("Database handles reset")
	return nil
}

// HealthCheck verifies the database answers a trivial query.
func (s *SQLite) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	queries
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

// queries implements Querier against either a *sql.DB or a *sql.Tx.
type queries struct {
	db dbtx
}

func (q queries) AgentExists(ctx context.Context, mac domain.MAC) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM agents WHERE mac = ?", uint64(mac),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query agent %s: %w", mac, err)
	}
	return n > 0, nil
}

func (q queries) GetAgent(ctx context.Context, mac domain.MAC) (domain.Agent, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT device_type, serial,
		       hw_major, hw_minor, hw_revision, hw_revstring,
		       sw_major, sw_minor, sw_revision, sw_revstring,
		       online, online_since, add_mode, add_mode_since, protocol_version
		FROM agents WHERE mac = ?`, uint64(mac))

	var a domain.Agent
	var onlineSince, addModeSince int64
	a.MAC = mac
	err := row.Scan(
		&a.DeviceType, &a.Serial,
		&a.HardwareVersion.Major, &a.HardwareVersion.Minor, &a.HardwareVersion.Revision, &a.HardwareVersion.RevisionString,
		&a.SoftwareVersion.Major, &a.SoftwareVersion.Minor, &a.SoftwareVersion.Revision, &a.SoftwareVersion.RevisionString,
		&a.Online, &onlineSince, &a.AddMode, &addModeSince, &a.ProtocolVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, mac)
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("failed to load agent %s: %w", mac, err)
	}
	a.OnlineSince = time.Unix(onlineSince, 0).UTC()
	a.AddModeSince = time.Unix(addModeSince, 0).UTC()
	return a, nil
}

func (q queries) SetAgentInfo(ctx context.Context, mac domain.MAC, deviceType uint8, serial int64, hw, sw domain.Version) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE agents SET device_type = ?, serial = ?,
		       hw_major = ?, hw_minor = ?, hw_revision = ?, hw_revstring = ?,
		       sw_major = ?, sw_minor = ?, sw_revision = ?, sw_revstring = ?
		WHERE mac = ?`,
		deviceType, serial,
		hw.Major, hw.Minor, hw.Revision, hw.RevisionString,
		sw.Major, sw.Minor, sw.Revision, sw.RevisionString,
		uint64(mac))
	if err != nil {
		return fmt.Errorf("failed to store agent info for %s: %w", mac, err)
	}
	return requireAgentRow(res, mac)
}

func (q queries) SetAgentOnline(ctx context.Context, mac domain.MAC, online bool, ts time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE agents SET online = ?, online_since = ? WHERE mac = ?",
		online, ts.UTC().Unix(), uint64(mac))
	if err != nil {
		return fmt.Errorf("failed to set online state for %s: %w", mac, err)
	}
	return requireAgentRow(res, mac)
}

func (q queries) SetAgentAddMode(ctx context.Context, mac domain.MAC, on bool, ts time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE agents SET add_mode = ?, add_mode_since = ? WHERE mac = ?",
		on, ts.UTC().Unix(), uint64(mac))
	if err != nil {
		return fmt.Errorf("failed to set add mode for %s: %w", mac, err)
	}
	return requireAgentRow(res, mac)
}

func (q queries) UpsertMeter(ctx context.Context, mac domain.MAC, id domain.MeterID) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO meters (agent_mac, meter_id, name, iv) VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_mac, meter_id) DO NOTHING`,
		uint64(mac), uint64(id), id.String(), zeroIV)
	if err != nil {
		return fmt.Errorf("failed to upsert meter %s of %s: %w", id, mac, err)
	}
	return nil
}

func (q queries) SetMeterState(ctx context.Context, mac domain.MAC, id domain.MeterID, manual, relayOn, online bool, ts time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE meters SET manual_control = ?, relay_on = ?, online = ?, online_since = ?
		WHERE agent_mac = ? AND meter_id = ?`,
		manual, relayOn, online, ts.UTC().Unix(), uint64(mac), uint64(id))
	if err != nil {
		return fmt.Errorf("failed to set state of meter %s of %s: %w", id, mac, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s under %s", domain.ErrMeterNotFound, id, mac)
	}
	return nil
}

func (q queries) UpsertPhysicalInput(ctx context.Context, mac domain.MAC, meter domain.MeterID, dataType uint8, agentUnit uint8, inputNumber uint16) (*domain.PhysicalInput, error) {
	unit, ok := domain.UnitFromCode(agentUnit)
	if !ok {
		return nil, nil
	}

	in := domain.PhysicalInput{
		Agent:       mac,
		Meter:       meter,
		DataType:    dataType,
		InputNumber: inputNumber,
		Unit:        unit,
		AgentUnit:   agentUnit,
	}

	row := q.db.QueryRowContext(ctx, `
		SELECT id, store_measurements FROM physical_inputs
		WHERE agent_mac = ? AND meter_id = ? AND data_type = ? AND input_number = ? AND unit = ?`,
		uint64(mac), uint64(meter), dataType, inputNumber, string(unit))
	err := row.Scan(&in.RowID, &in.StoreMeasurements)
	if err == nil {
		return &in, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up input %s: %w", in.HardwareID(), err)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO physical_inputs (agent_mac, meter_id, data_type, input_number, unit, agent_unit, hardware_id, store_measurements)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		uint64(mac), uint64(meter), dataType, inputNumber, string(unit), agentUnit, in.HardwareID())
	if err != nil {
		return nil, fmt.Errorf("failed to create input %s: %w", in.HardwareID(), err)
	}
	in.RowID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	in.StoreMeasurements = true
	return &in, nil
}

func (q queries) BulkInsertRaw(ctx context.Context, points []domain.RawPoint) error {
	for len(points) > 0 {
		chunk := points
		if len(chunk) > rawInsertChunk {
			chunk = chunk[:rawInsertChunk]
		}
		points = points[len(chunk):]

		var sb strings.Builder
		sb.WriteString("INSERT INTO raw_data (input_id, timestamp, value) VALUES ")
		args := make([]any, 0, len(chunk)*3)
		for i, p := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?)")
			args = append(args, p.InputRowID, p.Timestamp.UTC().Unix(), p.Value)
		}
		if _, err := q.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert measurement batch: %w", err)
		}
	}
	return nil
}

func (q queries) StoreEvent(ctx context.Context, ev domain.AgentEvent) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO agent_events (agent_mac, timestamp, code, message, iv) VALUES (?, ?, ?, ?, ?)",
		uint64(ev.Agent), ev.Timestamp.UTC().Unix(), ev.Code, ev.Message, zeroIV)
	if err != nil {
		return fmt.Errorf("failed to store event for %s: %w", ev.Agent, err)
	}
	return nil
}

func (q queries) MarkMetersOnline(ctx context.Context, mac domain.MAC, meters []domain.ConnectedMeter, ts time.Time) error {
	// Unresolvable entries are skipped on purpose: agents on firmware
	// 2.3.0 report stale junk meters in the connected set.
	for _, m := range meters {
		var (
			res sql.Result
			err error
		)
		switch {
		case m.SoftwareVersion != nil && m.DeviceOptions != nil:
			res, err = q.db.ExecContext(ctx, `
				UPDATE meters SET online = 1, online_since = ?,
				       sw_major = ?, sw_minor = ?, sw_revision = ?, sw_revstring = ?,
				       device_options = ?
				WHERE agent_mac = ? AND meter_id = ?`,
				ts.UTC().Unix(),
				m.SoftwareVersion.Major, m.SoftwareVersion.Minor, m.SoftwareVersion.Revision, m.SoftwareVersion.RevisionString,
				*m.DeviceOptions,
				uint64(mac), uint64(m.ID))
		default:
			res, err = q.db.ExecContext(ctx, `
				UPDATE meters SET online = 1, online_since = ?
				WHERE agent_mac = ? AND meter_id = ?`,
				ts.UTC().Unix(), uint64(mac), uint64(m.ID))
		}
		if err != nil {
			return fmt.Errorf("failed to mark meter %s of %s online: %w", m.ID, mac, err)
		}
		if _, err := res.RowsAffected(); err != nil {
			return err
		}
	}
	return nil
}

// GetMeter loads one meter row, ErrMeterNotFound if absent.
func (q queries) GetMeter(ctx context.Context, mac domain.MAC, id domain.MeterID) (domain.Meter, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT name, online, online_since, relay_on, manual_control,
		       sw_major, sw_minor, sw_revision, sw_revstring, device_options
		FROM meters WHERE agent_mac = ? AND meter_id = ?`,
		uint64(mac), uint64(id))

	m := domain.Meter{Agent: mac, ID: id}
	var onlineSince int64
	err := row.Scan(
		&m.Name, &m.Online, &onlineSince, &m.RelayOn, &m.ManualControl,
		&m.SoftwareVersion.Major, &m.SoftwareVersion.Minor, &m.SoftwareVersion.Revision, &m.SoftwareVersion.RevisionString,
		&m.DeviceOptions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Meter{}, fmt.Errorf("%w: %s under %s", domain.ErrMeterNotFound, id, mac)
	}
	if err != nil {
		return domain.Meter{}, fmt.Errorf("failed to load meter %s of %s: %w", id, mac, err)
	}
	m.OnlineSince = time.Unix(onlineSince, 0).UTC()
	return m, nil
}

func requireAgentRow(res sql.Result, mac domain.MAC) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, mac)
	}
	return nil
}
