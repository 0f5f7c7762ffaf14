package models

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"BlogToVideo-server/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

// InitDB 连接 MySQL 并执行建表脚本
func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表（读取 doc/sql/BlogToVideo.sql）
	b, err := os.ReadFile("doc/sql/BlogToVideo.sql")
	if err != nil {
		log.Printf("读取 SQL 文件失败（跳过建表）: %v", err)
		return
	}
	for _, s := range strings.Split(string(b), ";") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Printf("执行建表语句失败: %v ; sql: %s", err, s)
		}
	}
}

// GormStore 基于 MySQL 的 JobStore，条件写通过 version 列实现乐观锁
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, sourceURL string) (*ConversionJob, error) {
	job := NewConversionJob(uuid.NewString(), sourceURL, time.Now())
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*ConversionJob, error) {
	var job ConversionJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.SegmentHandles == nil {
		job.SegmentHandles = IndexedValues{}
	}
	if job.SegmentClipURLs == nil {
		job.SegmentClipURLs = IndexedValues{}
	}
	return &job, nil
}

func (s *GormStore) Update(ctx context.Context, id string, patch Patch, cond Condition) (*ConversionJob, error) {
	load := func() (*ConversionJob, error) {
		return s.Get(ctx, id)
	}
	save := func(prev int64, next *ConversionJob) (bool, error) {
		res := s.db.WithContext(ctx).
			Model(&ConversionJob{}).
			Where("id = ? AND version = ?", id, prev).
			Select("*").
			Omit("id", "source_url", "created_at").
			Updates(next)
		if res.Error != nil {
			return false, res.Error
		}
		return res.RowsAffected == 1, nil
	}
	return versionedUpdate(load, save, patch, cond)
}

func (s *GormStore) ListActive(ctx context.Context) ([]*ConversionJob, error) {
	var jobs []*ConversionJob
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []JobStatus{StatusCompleted, StatusFailed}).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

func (s *GormStore) ListStale(ctx context.Context, before time.Time) ([]*ConversionJob, error) {
	var jobs []*ConversionJob
	err := s.db.WithContext(ctx).
		Where("status NOT IN ? AND updated_at < ?", []JobStatus{StatusCompleted, StatusFailed}, before).
		Order("updated_at ASC").
		Find(&jobs).Error
	return jobs, err
}
