package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"acquire/internal/domain"
	"acquire/internal/infra/crypto"
)

// objectRow is the single table the SQL backend uses. The store remains a
// key/value bucket: no entity ever gets its own schema, so services stay
// portable between backends.
type objectRow struct {
	Bucket string `gorm:"primaryKey;size:256"`
	Key    string `gorm:"primaryKey;size:1024;column:object_key"`
	Data   []byte
}

func (objectRow) TableName() string { return "objects" }

// Gorm is the postgres-backed store.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(dsn string) (*Gorm, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.AutoMigrate(&objectRow{}); err != nil {
		return nil, fmt.Errorf("migrating objects table: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) CreateBucket(_ context.Context, _ string) error {
	return nil
}

func (g *Gorm) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	var row objectRow
	err := g.db.WithContext(ctx).
		Where("bucket = ? AND object_key = ?", bucket, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sql get %s/%s: %w", bucket, key, err)
	}
	return row.Data, nil
}

func (g *Gorm) SetObject(ctx context.Context, bucket, key string, data []byte) error {
	row := objectRow{Bucket: bucket, Key: key, Data: data}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "object_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("sql put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *Gorm) DeleteObject(ctx context.Context, bucket, key string) error {
	err := g.db.WithContext(ctx).
		Where("bucket = ? AND object_key = ?", bucket, key).
		Delete(&objectRow{}).Error
	if err != nil {
		return fmt.Errorf("sql delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *Gorm) ListObjectNames(ctx context.Context, bucket, prefix string) ([]string, error) {
	var names []string
	q := g.db.WithContext(ctx).Model(&objectRow{}).Where("bucket = ?", bucket)
	if prefix != "" {
		q = q.Where("object_key LIKE ?", escapeLike(prefix)+"%")
	}
	if err := q.Pluck("object_key", &names).Error; err != nil {
		return nil, fmt.Errorf("sql list %s/%s: %w", bucket, prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (g *Gorm) SetObjectIfAbsent(ctx context.Context, bucket, key string, data []byte) ([]byte, bool, error) {
	row := objectRow{Bucket: bucket, Key: key, Data: data}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "object_key"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("sql conditional put %s/%s: %w", bucket, key, res.Error)
	}
	if res.RowsAffected == 1 {
		return data, true, nil
	}
	existing, err := g.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (g *Gorm) SizeAndChecksum(ctx context.Context, bucket, key string) (int64, string, error) {
	data, err := g.GetObject(ctx, bucket, key)
	if err != nil {
		return 0, "", err
	}
	return int64(len(data)), crypto.MD5Hex(data), nil
}

func (g *Gorm) CreatePAR(_ context.Context, _ PARRequest) (*domain.PAR, error) {
	return nil, fmt.Errorf("%w: sql backend cannot mint pre-authenticated urls", domain.ErrPAR)
}

func (g *Gorm) ClosePAR(_ context.Context, _ *domain.PAR) error {
	return fmt.Errorf("%w: sql backend cannot mint pre-authenticated urls", domain.ErrPAR)
}

var _ Store = (*Gorm)(nil)
