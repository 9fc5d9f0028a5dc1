// Package apnstore persists APN profiles and the preferred APN of each slot
// in SQLite. Passwords are encrypted at rest.
package apnstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/apn"
	"github.com/markus-lassfolk/celldata/pkg/logx"
)

// ErrNotFound is returned when a profile or preferred entry does not exist
var ErrNotFound = errors.New("apn profile not found")

const schema = `
CREATE TABLE IF NOT EXISTS apns (
	profile_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL DEFAULT '',
	apn TEXT NOT NULL,
	types TEXT NOT NULL DEFAULT '',
	mcc TEXT NOT NULL,
	mnc TEXT NOT NULL,
	auth_type INTEGER NOT NULL DEFAULT 0,
	user TEXT NOT NULL DEFAULT '',
	password_enc BLOB,
	protocol TEXT NOT NULL DEFAULT 'IP',
	roaming_protocol TEXT NOT NULL DEFAULT 'IP',
	proxy TEXT NOT NULL DEFAULT '',
	mms_proxy TEXT NOT NULL DEFAULT '',
	is_roaming_apn INTEGER NOT NULL DEFAULT 0,
	edited INTEGER NOT NULL DEFAULT 0,
	bearers TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_apns_numeric ON apns(mcc, mnc);

CREATE TABLE IF NOT EXISTS preferred (
	slot INTEGER PRIMARY KEY,
	profile_id INTEGER NOT NULL
);
`

const selectColumns = `profile_id, name, apn, types, mcc, mnc, auth_type, user, password_enc,
	protocol, roaming_protocol, proxy, mms_proxy, is_roaming_apn, edited, bearers`

// Store is the SQLite APN profile store
type Store struct {
	db     *sql.DB
	path   string
	sealer *sealer
	logger *logx.Logger
	perf   *logx.PerformanceLogger
}

// Open opens or creates the database at path. secret is the device secret
// the password key is derived from.
func Open(path string, secret []byte, logger *logx.Logger) (*Store, error) {
	s, err := newSealer(secret)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("apn store opened", "database_path", path)
	return &Store{
		db:     db,
		path:   path,
		sealer: s,
		logger: logger,
		perf:   logx.NewPerformanceLogger(logger),
	}, nil
}

// Path returns the database file
func (s *Store) Path() string { return s.path }

// Performance returns the per operation timings
func (s *Store) Performance() map[string]logx.PerformanceMetric {
	return s.perf.Snapshot()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scan(row rowScanner) (apn.Config, error) {
	var (
		cfg                    apn.Config
		types, bearers         string
		passwordEnc            []byte
		roamingApn, userEdited int
	)
	err := row.Scan(&cfg.ProfileID, &cfg.ProfileName, &cfg.Apn, &types, &cfg.Mcc, &cfg.Mnc,
		&cfg.AuthType, &cfg.User, &passwordEnc, &cfg.Protocol, &cfg.RoamingProtocol,
		&cfg.Proxy, &cfg.MmsProxy, &roamingApn, &userEdited, &bearers)
	if err != nil {
		return cfg, err
	}
	cfg.Types = splitList(types)
	cfg.Bearers = parseBearers(bearers)
	cfg.IsRoamingApn = roamingApn != 0
	cfg.IsUserEdited = userEdited != 0
	if cfg.Password, err = s.sealer.open(passwordEnc); err != nil {
		s.logger.Warn("dropping unreadable apn password", "profile_id", cfg.ProfileID)
		cfg.Password = ""
	}
	return cfg, nil
}

// QueryByNumeric returns the profiles of the operator ordered by id
func (s *Store) QueryByNumeric(ctx context.Context, mcc, mnc string) (configs []apn.Config, err error) {
	op := s.perf.StartOperation(ctx, "query_by_numeric")
	defer func() { op.Complete(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM apns WHERE mcc = ? AND mnc = ? ORDER BY profile_id`, mcc, mnc)
	if err != nil {
		return nil, fmt.Errorf("failed to query apns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cfg, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan apn: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Get returns one profile
func (s *Store) Get(ctx context.Context, profileID int) (cfg apn.Config, err error) {
	op := s.perf.StartOperation(ctx, "get")
	defer func() { op.Complete(err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM apns WHERE profile_id = ?`, profileID)
	cfg, err = s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, fmt.Errorf("%w: %d", ErrNotFound, profileID)
	}
	return cfg, err
}

// Insert adds a profile and returns its id. A positive ProfileID is kept.
func (s *Store) Insert(ctx context.Context, cfg apn.Config) (id int, err error) {
	op := s.perf.StartOperation(ctx, "insert")
	defer func() { op.Complete(err) }()

	enc, err := s.sealer.seal(cfg.Password)
	if err != nil {
		return 0, err
	}
	var profileID interface{}
	if cfg.ProfileID > 0 {
		profileID = cfg.ProfileID
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO apns (profile_id, name, apn, types, mcc, mnc,
		auth_type, user, password_enc, protocol, roaming_protocol, proxy, mms_proxy,
		is_roaming_apn, edited, bearers) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		profileID, cfg.ProfileName, cfg.Apn, strings.Join(cfg.Types, ","), cfg.Mcc, cfg.Mnc,
		cfg.AuthType, cfg.User, enc, protocolOrDefault(cfg.Protocol), protocolOrDefault(cfg.RoamingProtocol),
		cfg.Proxy, cfg.MmsProxy, boolInt(cfg.IsRoamingApn), boolInt(cfg.IsUserEdited), formatBearers(cfg.Bearers))
	if err != nil {
		return 0, fmt.Errorf("failed to insert apn: %w", err)
	}
	last, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.logger.Debug("apn inserted", "profile_id", last, "apn", cfg.Apn, "numeric", cfg.Mcc+cfg.Mnc)
	return int(last), nil
}

// Update overwrites a profile and marks it user edited
func (s *Store) Update(ctx context.Context, cfg apn.Config) (err error) {
	op := s.perf.StartOperation(ctx, "update")
	defer func() { op.Complete(err) }()

	enc, err := s.sealer.seal(cfg.Password)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE apns SET name = ?, apn = ?, types = ?, mcc = ?, mnc = ?,
		auth_type = ?, user = ?, password_enc = ?, protocol = ?, roaming_protocol = ?, proxy = ?,
		mms_proxy = ?, is_roaming_apn = ?, edited = 1, bearers = ? WHERE profile_id = ?`,
		cfg.ProfileName, cfg.Apn, strings.Join(cfg.Types, ","), cfg.Mcc, cfg.Mnc, cfg.AuthType,
		cfg.User, enc, protocolOrDefault(cfg.Protocol), protocolOrDefault(cfg.RoamingProtocol),
		cfg.Proxy, cfg.MmsProxy, boolInt(cfg.IsRoamingApn), formatBearers(cfg.Bearers), cfg.ProfileID)
	if err != nil {
		return fmt.Errorf("failed to update apn: %w", err)
	}
	return expectOne(res, cfg.ProfileID)
}

// Delete removes a profile and any preferred entry pointing at it
func (s *Store) Delete(ctx context.Context, profileID int) (err error) {
	op := s.perf.StartOperation(ctx, "delete")
	defer func() { op.Complete(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM apns WHERE profile_id = ?`, profileID)
	if err != nil {
		return fmt.Errorf("failed to delete apn: %w", err)
	}
	if err = expectOne(res, profileID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM preferred WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to clear preferred apn: %w", err)
	}
	return tx.Commit()
}

// SetPreferred records the preferred profile of slot
func (s *Store) SetPreferred(ctx context.Context, slot, profileID int) (err error) {
	op := s.perf.StartOperation(ctx, "set_preferred")
	defer func() { op.Complete(err) }()

	if _, err = s.Get(ctx, profileID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferred (slot, profile_id) VALUES (?, ?)
		 ON CONFLICT(slot) DO UPDATE SET profile_id = excluded.profile_id`, slot, profileID)
	if err != nil {
		return fmt.Errorf("failed to set preferred apn: %w", err)
	}
	return nil
}

// GetPreferred returns the preferred profile of slot
func (s *Store) GetPreferred(ctx context.Context, slot int) (id int, err error) {
	op := s.perf.StartOperation(ctx, "get_preferred")
	defer func() { op.Complete(err) }()

	err = s.db.QueryRowContext(ctx, `SELECT profile_id FROM preferred WHERE slot = ?`, slot).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return apn.InvalidProfileID, fmt.Errorf("%w: no preferred apn for slot %d", ErrNotFound, slot)
	}
	return id, err
}

// Reset deletes user edited profiles and the preferred entry of slot
func (s *Store) Reset(ctx context.Context, slot int) (err error) {
	op := s.perf.StartOperation(ctx, "reset")
	defer func() { op.Complete(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM apns WHERE edited = 1`)
	if err != nil {
		return fmt.Errorf("failed to delete edited apns: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM preferred WHERE slot = ?`, slot); err != nil {
		return fmt.Errorf("failed to clear preferred apn: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	s.logger.Info("apn store reset", "slot", slot, "deleted", n)
	return nil
}

// QueryApns implements apn.ProfileSource
func (s *Store) QueryApns(ctx context.Context, mcc, mnc string) ([]apn.Config, error) {
	return s.QueryByNumeric(ctx, mcc, mnc)
}

// PreferredApn implements apn.ProfileSource
func (s *Store) PreferredApn(ctx context.Context, slotID int) (int, error) {
	return s.GetPreferred(ctx, slotID)
}

// ResetApns implements apn.ProfileSource
func (s *Store) ResetApns(ctx context.Context, slotID int) error {
	return s.Reset(ctx, slotID)
}

var _ apn.ProfileSource = (*Store)(nil)

func expectOne(res sql.Result, profileID int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, profileID)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBearers(s string) []pkg.RadioTech {
	var out []pkg.RadioTech
	for _, part := range splitList(s) {
		v, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, pkg.RadioTech(v))
	}
	return out
}

func formatBearers(bearers []pkg.RadioTech) string {
	parts := make([]string, 0, len(bearers))
	for _, b := range bearers {
		parts = append(parts, strconv.Itoa(int(b)))
	}
	return strings.Join(parts, ",")
}

func protocolOrDefault(p string) string {
	if p == "" {
		return "IP"
	}
	return p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
