package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amitspk/blogwidget/common"
)

// ErrUsageLimitExceeded is returned by ReserveBlogSlot when the lifetime
// blog budget is exhausted.
var ErrUsageLimitExceeded = errors.New("db_error: usage limit exceeded")

// Store is the publisher ledger backed by PostgreSQL. All counter
// mutations go through ReserveBlogSlot and ReleaseBlogSlot; reads
// elsewhere are snapshot reads.
type Store struct {
	db *gorm.DB
}

// NewStore opens the ledger database and runs schema migration.
func NewStore(dsn string, maxIdle, maxOpen int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("db_error: open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db_error: access pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := db.AutoMigrate(&Publisher{}); err != nil {
		return nil, fmt.Errorf("db_error: migrate publishers: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing gorm handle. Used by tests.
func NewStoreWithDB(db *gorm.DB) *Store { return &Store{db: db} }

// Create inserts a new publisher. The id and api key are generated when
// absent, the domain is normalized, and the config is normalized and
// validated.
func (s *Store) Create(ctx context.Context, p *Publisher) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.APIKey == "" {
		p.APIKey = newAPIKey()
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if !ValidStatuses[p.Status] {
		return fmt.Errorf("validation: invalid publisher status %q", p.Status)
	}
	p.NormalizeDomain()
	if p.Domain == "" {
		return fmt.Errorf("validation: publisher domain is required")
	}
	p.Config.Normalize()
	if err := p.Config.Validate(); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("db_error: create publisher: %w", err)
	}
	return nil
}

// GetByID loads a publisher row.
func (s *Store) GetByID(ctx context.Context, id string) (*Publisher, error) {
	var p Publisher
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db_error: get publisher: %w", err)
	}
	return &p, nil
}

// GetByDomain locates a publisher by exact domain, or by longest-suffix
// match when allowSuffix is set. Suffix matching prefers the shortest
// registered domain among valid suffixes.
func (s *Store) GetByDomain(ctx context.Context, domain string, allowSuffix bool) (*Publisher, error) {
	domain = common.NormalizeDomain(domain)

	var p Publisher
	err := s.db.WithContext(ctx).First(&p, "domain = ?", domain).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("db_error: get publisher by domain: %w", err)
	}
	if !allowSuffix {
		return nil, common.ErrNotFound
	}

	// Suffix pass: in-memory scan of registered domains. Adequate for
	// thousands of publishers; a domain-parts index would replace this at
	// larger tenant counts.
	var all []Publisher
	if err := s.db.WithContext(ctx).Select("id", "domain").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("db_error: list publisher domains: %w", err)
	}
	domains := make([]string, len(all))
	byDomain := make(map[string]string, len(all))
	for i, row := range all {
		domains[i] = row.Domain
		byDomain[row.Domain] = row.ID
	}

	match, ok := common.BestSuffixMatch(domain, domains)
	if !ok {
		return nil, common.ErrNotFound
	}
	return s.GetByID(ctx, byDomain[common.NormalizeDomain(match)])
}

// GetByAPIKey locates a publisher by api key and stamps last_active_at.
func (s *Store) GetByAPIKey(ctx context.Context, apiKey string) (*Publisher, error) {
	var p Publisher
	err := s.db.WithContext(ctx).First(&p, "api_key = ?", apiKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db_error: get publisher by api key: %w", err)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&Publisher{}).Where("id = ?", p.ID).
		UpdateColumn("last_active_at", now).Error; err != nil {
		common.Logger.WithError(err).Warn("failed to stamp publisher last_active_at")
	}
	p.LastActiveAt = &now
	return &p, nil
}

// Update persists mutable publisher fields (name, domain, status, config).
// Counters are never written through this path.
func (s *Store) Update(ctx context.Context, p *Publisher) error {
	if !ValidStatuses[p.Status] {
		return fmt.Errorf("validation: invalid publisher status %q", p.Status)
	}
	p.NormalizeDomain()
	p.Config.Normalize()
	if err := p.Config.Validate(); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&Publisher{}).Where("id = ?", p.ID).
		Select("name", "domain", "status", "config").
		Updates(map[string]interface{}{
			"name":   p.Name,
			"domain": p.Domain,
			"status": p.Status,
			"config": p.Config,
		})
	if res.Error != nil {
		return fmt.Errorf("db_error: update publisher: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// RegenerateAPIKey rotates the api key in a single statement, so the
// previous key is invalid the moment the update commits.
func (s *Store) RegenerateAPIKey(ctx context.Context, id string) (string, error) {
	key := newAPIKey()
	res := s.db.WithContext(ctx).Model(&Publisher{}).Where("id = ?", id).
		UpdateColumn("api_key", key)
	if res.Error != nil {
		return "", fmt.Errorf("db_error: regenerate api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", common.ErrNotFound
	}
	return key, nil
}

// List returns a page of publishers, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string, page, pageSize int) ([]Publisher, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	q := s.db.WithContext(ctx).Model(&Publisher{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("db_error: count publishers: %w", err)
	}

	var rows []Publisher
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("db_error: list publishers: %w", err)
	}
	return rows, total, nil
}

// ReserveBlogSlot reserves one unit of lifetime processing budget under a
// row-level exclusive lock:
//  1. When max_total_blogs is null, succeed without side effects.
//  2. When total_blogs_processed + blog_slots_reserved >= max_total_blogs,
//     fail with ErrUsageLimitExceeded.
//  3. Otherwise increment blog_slots_reserved and commit.
func (s *Store) ReserveBlogSlot(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Publisher
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&p, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("db_error: lock publisher row: %w", err)
		}

		if p.Config.MaxTotalBlogs == nil {
			return nil
		}
		if p.TotalBlogsProcessed+p.BlogSlotsReserved >= *p.Config.MaxTotalBlogs {
			return ErrUsageLimitExceeded
		}

		return tx.Model(&Publisher{}).Where("id = ?", id).
			UpdateColumn("blog_slots_reserved", gorm.Expr("blog_slots_reserved + 1")).Error
	})
}

// ReleaseBlogSlot returns a reserved slot in a single atomic statement.
// With processed=true it also increments the processed and questions
// counters; the reserved counter is clamped at zero. A load-modify-store
// sequence here would race under concurrent releases.
func (s *Store) ReleaseBlogSlot(ctx context.Context, id string, processed bool, questionsGenerated int) error {
	updates := map[string]interface{}{
		"blog_slots_reserved": gorm.Expr("GREATEST(blog_slots_reserved - 1, 0)"),
	}
	if processed {
		updates["total_blogs_processed"] = gorm.Expr("total_blogs_processed + 1")
		updates["total_questions_generated"] = gorm.Expr("total_questions_generated + ?", questionsGenerated)
	}

	res := s.db.WithContext(ctx).Model(&Publisher{}).Where("id = ?", id).
		UpdateColumns(updates)
	if res.Error != nil {
		return fmt.Errorf("db_error: release blog slot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func newAPIKey() string {
	return "bw_" + uuid.NewString() + uuid.NewString()[:8]
}
