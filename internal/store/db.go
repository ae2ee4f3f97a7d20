package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when no decision matches an audit id.
var ErrNotFound = errors.New("decision record not found")

// Database wraps the GORM DB handle and exposes repository helpers.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed database at the provided path.
func Open(path string, silent bool) (*Database, error) {
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&DecisionRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		logrus.WithError(err).Warn("set synchronous pragma")
	}
	if err := applyIndexes(db); err != nil {
		return nil, fmt.Errorf("apply indexes: %w", err)
	}
	return &Database{gorm: db}, nil
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveDecision inserts a decision record. Audit ids are unique, so a
// duplicate insert is an error.
func (d *Database) SaveDecision(r *DecisionRecord) error {
	if r == nil {
		return errors.New("decision record is nil")
	}
	if strings.TrimSpace(r.AuditID) == "" {
		return errors.New("decision record has no audit id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Create(r).Error
}

// GetDecision fetches the record stored under auditID.
func (d *Database) GetDecision(auditID string) (*DecisionRecord, error) {
	var record DecisionRecord
	err := d.gorm.Where("audit_id = ?", strings.TrimSpace(auditID)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// DecisionQuery filters and pages decision listings.
type DecisionQuery struct {
	AgentID     string
	Decision    string
	Environment string
	FailOpen    bool
	Offset      int
	Limit       int
}

// ListDecisions returns matching records newest first, with the total count.
func (d *Database) ListDecisions(opts DecisionQuery) ([]DecisionRecord, int64, error) {
	base := d.gorm.Model(&DecisionRecord{})
	if agent := strings.TrimSpace(opts.AgentID); agent != "" {
		base = base.Where("agent_id = ?", agent)
	}
	if dec := strings.TrimSpace(opts.Decision); dec != "" {
		base = base.Where("decision = ?", strings.ToUpper(dec))
	}
	if env := strings.TrimSpace(opts.Environment); env != "" {
		base = base.Where("environment = ?", env)
	}
	if opts.FailOpen {
		base = base.Where("policy_fail_open = ?", true)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := base.Order("created_at DESC, id DESC").Offset(opts.Offset)
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	var rows []DecisionRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func applyIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_decision_records_agent_created ON decision_records(agent_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_decision_records_decision_created ON decision_records(decision, created_at)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
