package zone

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrZoneNotFound is returned when the zone has no row in the domains table.
var ErrZoneNotFound = errors.New("zone not found")

// Record is a single resource record in the backend.
type Record struct {
	ID       int64
	DomainID int64
	Name     string // lowercase, no trailing dot
	Type     string
	Content  string
	TTL      int
}

// Backend is the set of record operations the synchronizer and the DNS
// server need. *GormBackend implements it on the PowerDNS schema.
type Backend interface {
	DomainID(ctx context.Context, zone string) (int64, error)
	CreateDomain(ctx context.Context, zone string) (int64, error)
	DeleteRecords(ctx context.Context, domainID int64, name, rtype string) (int64, error)
	CreateRecord(ctx context.Context, rec *Record) error
	// UpdateSOA applies modify to the zone's single SOA record and returns
	// the number of rows written. A zone with zero or several SOA records is
	// reported through the row count without writing anything.
	UpdateSOA(ctx context.Context, domainID int64, modify func(content string) (string, error)) (int64, error)
	Lookup(ctx context.Context, name string) ([]Record, error)
}

type domainModel struct {
	ID   int64  `gorm:"column:id;primaryKey"`
	Name string `gorm:"column:name"`
	Type string `gorm:"column:type"`
}

func (domainModel) TableName() string { return "domains" }

type recordModel struct {
	ID         int64  `gorm:"column:id;primaryKey"`
	DomainID   int64  `gorm:"column:domain_id"`
	Name       string `gorm:"column:name"`
	Type       string `gorm:"column:type"`
	Content    string `gorm:"column:content"`
	TTL        int    `gorm:"column:ttl"`
	Prio       int    `gorm:"column:prio"`
	ChangeDate int64  `gorm:"column:change_date"`
	Disabled   bool   `gorm:"column:disabled"`
	Auth       bool   `gorm:"column:auth"`
}

func (recordModel) TableName() string { return "records" }

func (m recordModel) record() Record {
	return Record{ID: m.ID, DomainID: m.DomainID, Name: m.Name, Type: m.Type, Content: m.Content, TTL: m.TTL}
}

// GormBackend stores records in PowerDNS's generic SQL schema.
type GormBackend struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// applies the embedded schema migrations.
func OpenSQLite(path string) (*GormBackend, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sql db: %w", err)
	}
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, err
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return nil, fmt.Errorf("run zone migrations: %w", err)
	}
	// SQLite allows one writer; serialize in the pool instead of on SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	return &GormBackend{db: db}, nil
}

// NewGormBackend wraps an already-migrated gorm handle.
func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// Close releases the underlying connection pool.
func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *GormBackend) DomainID(ctx context.Context, zone string) (int64, error) {
	var d domainModel
	err := b.db.WithContext(ctx).Where("name = ?", normalizeName(zone)).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrZoneNotFound
		}
		return 0, fmt.Errorf("lookup domain: %w", err)
	}
	return d.ID, nil
}

func (b *GormBackend) CreateDomain(ctx context.Context, zone string) (int64, error) {
	d := domainModel{Name: normalizeName(zone), Type: "NATIVE"}
	if err := b.db.WithContext(ctx).Create(&d).Error; err != nil {
		return 0, fmt.Errorf("create domain: %w", err)
	}
	return d.ID, nil
}

// DeleteRecords removes records for name in the domain. An empty rtype
// matches every type.
func (b *GormBackend) DeleteRecords(ctx context.Context, domainID int64, name, rtype string) (int64, error) {
	q := b.db.WithContext(ctx).Where("domain_id = ? AND name = ?", domainID, normalizeName(name))
	if rtype != "" {
		q = q.Where("type = ?", rtype)
	}
	res := q.Delete(&recordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (b *GormBackend) CreateRecord(ctx context.Context, rec *Record) error {
	m := recordModel{
		DomainID:   rec.DomainID,
		Name:       normalizeName(rec.Name),
		Type:       rec.Type,
		Content:    rec.Content,
		TTL:        rec.TTL,
		ChangeDate: time.Now().Unix(),
		Auth:       true,
	}
	if err := b.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	rec.ID = m.ID
	return nil
}

func (b *GormBackend) UpdateSOA(ctx context.Context, domainID int64, modify func(string) (string, error)) (int64, error) {
	var rows int64
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var soas []recordModel
		if err := tx.Where("domain_id = ? AND type = ?", domainID, "SOA").Find(&soas).Error; err != nil {
			return fmt.Errorf("read soa: %w", err)
		}
		if len(soas) != 1 {
			rows = int64(len(soas))
			return nil
		}

		content, err := modify(soas[0].Content)
		if err != nil {
			return err
		}

		res := tx.Model(&recordModel{}).
			Where("id = ? AND type = ?", soas[0].ID, "SOA").
			Updates(map[string]any{"content": content, "change_date": time.Now().Unix()})
		if res.Error != nil {
			return fmt.Errorf("write soa: %w", res.Error)
		}
		rows = res.RowsAffected
		return nil
	})
	return rows, err
}

// Lookup returns the enabled records stored under name.
func (b *GormBackend) Lookup(ctx context.Context, name string) ([]Record, error) {
	var ms []recordModel
	err := b.db.WithContext(ctx).
		Where("name = ? AND disabled = ?", normalizeName(name), false).
		Order("id").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("lookup records: %w", err)
	}
	out := make([]Record, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.record())
	}
	return out, nil
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
