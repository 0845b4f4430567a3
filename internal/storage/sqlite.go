package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	_ "modernc.org/sqlite"          // Pure Go SQLite driver
)

// Supported database drivers.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
	driver string
}

// NewSQLiteStorage creates a new SQLite storage instance using the cgo driver.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	return NewSQLiteStorageWithDriver(DriverCGO, dbPath)
}

// NewSQLiteStorageWithDriver creates a storage instance on the named driver.
func NewSQLiteStorageWithDriver(driver, dbPath string) (*SQLiteStorage, error) {
	// Validate input
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	dsn, err := dataSourceName(driver, dbPath)
	if err != nil {
		return nil, err
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't benefit from multiple connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		driver: driver,
	}, nil
}

func dataSourceName(driver, dbPath string) (string, error) {
	switch driver {
	case DriverCGO:
		return dbPath + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPureGo:
		if dbPath == ":memory:" {
			return dbPath, nil
		}
		return "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", busyError(err))
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// withTx runs fn in its own transaction for operations that need more than
// one statement.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q queryable) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", busyError(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return busyError(err)
	}
	return busyError(tx.Commit())
}

// queryable is an interface satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqliteTransaction wraps sql.Tx to implement service.Transaction.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	return busyError(t.tx.Commit())
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

// Transaction methods delegate to the main storage with the transaction.
func (t *sqliteTransaction) SaveRule(ctx context.Context, rule *model.Rule) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	return t.storage.saveRuleTx(ctx, t.tx, rule)
}

func (t *sqliteTransaction) AddCandidateRule(ctx context.Context, rule *model.Rule) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateRule(rule); err != nil {
		return false, err
	}
	return t.storage.addCandidateRuleTx(ctx, t.tx, rule)
}

func (t *sqliteTransaction) GetRule(ctx context.Context, id int64) (*model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getRuleTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) FindRuleByCondition(ctx context.Context, ruleType model.RuleType, condition []string) (*model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := model.ValidateCondition(ruleType, condition); err != nil {
		return nil, err
	}
	return t.storage.findRuleByConditionTx(ctx, t.tx, ruleType, condition)
}

func (t *sqliteTransaction) FindPrefixRule(ctx context.Context, tokens []string) (*model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.findPrefixRuleTx(ctx, t.tx, tokens)
}

func (t *sqliteTransaction) RuleLookup(ctx context.Context, word string) (int, bool, error) {
	if err := validateContext(ctx); err != nil {
		return 0, false, err
	}
	return t.storage.ruleLookupTx(ctx, t.tx, word)
}

func (t *sqliteTransaction) ListRules(ctx context.Context, filter service.RuleFilter) ([]model.Rule, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.listRulesTx(ctx, t.tx, filter)
}

func (t *sqliteTransaction) DeleteRule(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.deleteRuleTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) DeleteCandidateRules(ctx context.Context, annotationID int64) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	return t.storage.deleteCandidateRulesTx(ctx, t.tx, annotationID)
}

func (t *sqliteTransaction) SetRuleLabel(ctx context.Context, ruleType model.RuleType, condition []string, labelID *int64, author string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := model.ValidateCondition(ruleType, condition); err != nil {
		return false, err
	}
	return t.storage.setRuleLabelTx(ctx, t.tx, ruleType, condition, labelID, author)
}

func (t *sqliteTransaction) SaveTokenAnnotation(ctx context.Context, annotation *model.Annotation) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTokenAnnotation(annotation); err != nil {
		return err
	}
	return t.storage.saveTokenAnnotationTx(ctx, t.tx, annotation)
}

func (t *sqliteTransaction) EnsureAnnotation(ctx context.Context, annotation *model.Annotation) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateAnnotation(annotation); err != nil {
		return err
	}
	return t.storage.ensureAnnotationTx(ctx, t.tx, annotation)
}

func (t *sqliteTransaction) FindAnnotation(ctx context.Context, submissionID int64, interval model.Interval) (*model.Annotation, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.findAnnotationTx(ctx, t.tx, submissionID, interval)
}

func (t *sqliteTransaction) ListAnnotations(ctx context.Context, submissionID int64) ([]model.Annotation, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.listAnnotationsTx(ctx, t.tx, submissionID)
}

func (t *sqliteTransaction) ConnectRule(ctx context.Context, annotationID, ruleID int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.connectRuleTx(ctx, t.tx, annotationID, ruleID)
}

func (t *sqliteTransaction) SetAnnotationLabel(ctx context.Context, submissionID int64, interval model.Interval, labelID *int64, author string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateInterval(interval); err != nil {
		return false, err
	}
	return t.storage.setAnnotationLabelTx(ctx, t.tx, submissionID, interval, labelID, author)
}

func (t *sqliteTransaction) GetDecisionRows(ctx context.Context, submissionID int64, interval *model.Interval) ([]service.DecisionRow, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getDecisionRowsTx(ctx, t.tx, submissionID, interval)
}

func (t *sqliteTransaction) GetDecidedIntervals(ctx context.Context, submissionID int64) ([]model.Interval, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getDecidedIntervalsTx(ctx, t.tx, submissionID)
}

func (t *sqliteTransaction) SaveLabel(ctx context.Context, label *model.Label) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateLabel(label); err != nil {
		return err
	}
	return t.storage.saveLabelTx(ctx, t.tx, label)
}

func (t *sqliteTransaction) GetLabel(ctx context.Context, id int64) (*model.Label, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getLabelTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) FindLabelByName(ctx context.Context, name string) (*model.Label, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(name, "name"); err != nil {
		return nil, err
	}
	return t.storage.findLabelByNameTx(ctx, t.tx, name)
}

func (t *sqliteTransaction) ListLabels(ctx context.Context) ([]model.Label, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.listLabelsTx(ctx, t.tx)
}

func (t *sqliteTransaction) UpdateLabel(ctx context.Context, label *model.Label) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateLabel(label); err != nil {
		return err
	}
	return t.storage.updateLabelTx(ctx, t.tx, label)
}

func (t *sqliteTransaction) DeleteLabel(ctx context.Context, id int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.deleteLabelTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) CreateSubmission(ctx context.Context, submission *model.Submission) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSubmission(submission); err != nil {
		return err
	}
	return t.storage.createSubmissionTx(ctx, t.tx, submission)
}

func (t *sqliteTransaction) GetSubmission(ctx context.Context, id int64) (*model.Submission, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getSubmissionTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) GetSubmissionByUID(ctx context.Context, uid string) (*model.Submission, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(uid, "uid"); err != nil {
		return nil, err
	}
	return t.storage.getSubmissionByUIDTx(ctx, t.tx, uid)
}

func (t *sqliteTransaction) ListSubmissions(ctx context.Context, filter service.SubmissionFilter) ([]model.Submission, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.listSubmissionsTx(ctx, t.tx, filter)
}

func (t *sqliteTransaction) TransitionSubmission(ctx context.Context, id int64, status model.SubmissionStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.transitionSubmissionTx(ctx, t.tx, id, status)
}

func (t *sqliteTransaction) SetSubmissionTokens(ctx context.Context, id int64, numTokens int) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.setSubmissionTokensTx(ctx, t.tx, id, numTokens)
}

func (t *sqliteTransaction) ScheduleSweep(ctx context.Context, skip *int64, dueAt time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	return t.storage.scheduleSweepTx(ctx, t.tx, skip, dueAt)
}

func (t *sqliteTransaction) ClaimSweep(ctx context.Context, now time.Time) (*service.SweepJob, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.claimSweepTx(ctx, t.tx, now)
}

func (t *sqliteTransaction) Migrate(_ context.Context) error {
	// Migrations should not be run within a transaction
	return fmt.Errorf("migrations cannot be run within a transaction")
}

func (t *sqliteTransaction) BeginTx(_ context.Context) (service.Transaction, error) {
	// Nested transactions not supported
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *sqliteTransaction) Close() error {
	// Transactions should be committed or rolled back, not closed
	return fmt.Errorf("transactions must be committed or rolled back, not closed")
}

// timestampLayouts are the formats SQLite uses for CURRENT_TIMESTAMP and
// the drivers use when storing time.Time values.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
}

// timestamp scans a DATETIME column whether the driver returns it as
// time.Time or as text.
type timestamp struct {
	t *time.Time
}

func (ts timestamp) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*ts.t = time.Time{}
		return nil
	case time.Time:
		*ts.t = v
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func (ts timestamp) parse(s string) error {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*ts.t = parsed
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

// busyError marks SQLite lock contention so callers can retry.
func busyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", common.ErrBusy, err)
	}
	return err
}
