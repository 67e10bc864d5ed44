package spind

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"spinwin/core/events"
	"spinwin/core/types"
	"spinwin/native/spinwin"
)

const defaultAuditBuffer = 1024

// AuditEvent is one engine event persisted for later inspection.
type AuditEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"index"`
	Attributes string
	CreatedAt  time.Time `gorm:"index"`
}

// SettlementRecord indexes releases by round and destination. SettlementID
// repeats when the caller-index mode pays the same slot twice in a round.
type SettlementRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SettlementID string    `gorm:"index"`
	Round        uint64    `gorm:"index"`
	EntryIndex   int
	Kind         string
	Mint         string `gorm:"index"`
	Units        uint64
	Destination  string `gorm:"index"`
	SettledAt    int64
	CreatedAt    time.Time
}

// AuditStore writes engine events to a SQL database through gorm. It
// implements events.Emitter; rows are written on a background goroutine so
// the engine never waits on the database.
type AuditStore struct {
	db     *gorm.DB
	logger *slog.Logger
	queue  chan auditItem
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// auditItem carries either an event or a flush marker.
type auditItem struct {
	evt     *types.Event
	flushed chan struct{}
}

// OpenAudit connects to the audit database. driver is sqlite or postgres.
func OpenAudit(driver, dsn string, log *slog.Logger) (*AuditStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return NewAuditStore(db, log)
}

// NewAuditStore migrates db and wraps it.
func NewAuditStore(db *gorm.DB, log *slog.Logger) (*AuditStore, error) {
	if err := db.AutoMigrate(&AuditEvent{}, &SettlementRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrate audit tables: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	a := &AuditStore{
		db:     db,
		logger: log,
		queue:  make(chan auditItem, defaultAuditBuffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Emit implements events.Emitter. Events beyond the buffer are dropped with a
// log line; write failures are logged since the engine operation that produced
// the event has already committed.
func (a *AuditStore) Emit(evt events.Event) {
	if a == nil || evt == nil || evt.Event() == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- auditItem{evt: evt.Event().Clone()}:
	default:
		a.logger.Warn("audit queue full, dropping event", "component", "audit", "type", evt.EventType())
	}
}

// Flush blocks until every event emitted before the call is written.
func (a *AuditStore) Flush() {
	if a == nil {
		return
	}
	marker := make(chan struct{})
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return
	}
	a.queue <- auditItem{flushed: marker}
	a.mu.RUnlock()
	<-marker
}

func (a *AuditStore) run() {
	defer close(a.done)
	for item := range a.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		a.write(item.evt)
	}
}

func (a *AuditStore) write(payload *types.Event) {
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		a.logger.Error("encode audit attributes", "error", err, "component", "audit")
		return
	}
	row := AuditEvent{ID: uuid.New(), Type: payload.Type, Attributes: string(attrs), CreatedAt: time.Now().UTC()}
	err = a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if payload.Type != spinwin.EventTypeSettled {
			return nil
		}
		record := settlementRecord(payload.Attributes)
		return tx.Create(&record).Error
	})
	if err != nil {
		a.logger.Error("persist audit event", "error", err, "component", "audit", "type", payload.Type)
	}
}

// Recent returns up to limit events, newest first.
func (a *AuditStore) Recent(limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []AuditEvent
	err := a.db.Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// Settlements lists releases, newest round first. An empty destination lists
// all of them.
func (a *AuditStore) Settlements(destination string, limit int) ([]SettlementRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := a.db.Order("round desc").Limit(limit)
	if destination != "" {
		q = q.Where("destination = ?", destination)
	}
	var rows []SettlementRecord
	err := q.Find(&rows).Error
	return rows, err
}

// Close drains queued events and releases the underlying connection pool.
func (a *AuditStore) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func settlementRecord(attrs map[string]string) SettlementRecord {
	round, _ := strconv.ParseUint(attrs["round"], 10, 64)
	index, _ := strconv.Atoi(attrs["index"])
	units, _ := strconv.ParseUint(attrs["units"], 10, 64)
	settledAt, _ := strconv.ParseInt(attrs["settledAt"], 10, 64)
	return SettlementRecord{
		ID:           uuid.New(),
		SettlementID: attrs["id"],
		Round:        round,
		EntryIndex:   index,
		Kind:         attrs["kind"],
		Mint:         attrs["mint"],
		Units:        units,
		Destination:  attrs["destination"],
		SettledAt:    settledAt,
	}
}
