package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mahoushoujyo-eee/eshell/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned by the lookup helpers when no row matches.
var ErrNotFound = errors.New("record not found")

func Init() error {
	dbPath := config.Cfg.DatabasePath
	if dbDir := filepath.Dir(dbPath); dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}
	return open(dbPath, logger.Warn)
}

func open(dbPath string, level logger.LogLevel) error {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&RemoteTarget{}, &Script{}, &AIProfile{}, &Setting{}, &AuditLog{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	DB = db
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Targets

func ListTargets() ([]RemoteTarget, error) {
	var targets []RemoteTarget
	if err := DB.Order("name ASC").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

func GetTarget(id string) (*RemoteTarget, error) {
	var t RemoteTarget
	if err := DB.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err, "target", id)
	}
	return &t, nil
}

// SaveTarget inserts or updates a target keyed by name.
func SaveTarget(t *RemoteTarget) error {
	return DB.Where("name = ?", t.Name).Assign(RemoteTarget{
		Host:        t.Host,
		Port:        t.Port,
		Username:    t.Username,
		Password:    t.Password,
		Description: t.Description,
	}).FirstOrCreate(t).Error
}

// Scripts

func ListScripts() ([]Script, error) {
	var scripts []Script
	if err := DB.Order("name ASC").Find(&scripts).Error; err != nil {
		return nil, err
	}
	return scripts, nil
}

func GetScript(id string) (*Script, error) {
	var s Script
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err, "script", id)
	}
	return &s, nil
}

func SaveScript(s *Script) error {
	return DB.Where("name = ?", s.Name).Assign(Script{
		Path:        s.Path,
		Command:     s.Command,
		Description: s.Description,
	}).FirstOrCreate(s).Error
}

// AI profiles

func ListAIProfiles() ([]AIProfile, error) {
	var profiles []AIProfile
	if err := DB.Order("name ASC").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// ActiveAIProfile returns the active profile or ErrNotFound.
func ActiveAIProfile() (*AIProfile, error) {
	var p AIProfile
	if err := DB.Where("active = ?", true).First(&p).Error; err != nil {
		return nil, notFound(err, "ai profile", "active")
	}
	return &p, nil
}

func SaveAIProfile(p *AIProfile) error {
	return DB.Where("name = ?", p.Name).Assign(AIProfile{
		BaseURL:      p.BaseURL,
		APIKey:       p.APIKey,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}).FirstOrCreate(p).Error
}

// SetActiveAIProfile marks id as the only active profile.
func SetActiveAIProfile(id string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AIProfile{}).Where("id = ?", id).Update("active", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("ai profile %s: %w", id, ErrNotFound)
		}
		return tx.Model(&AIProfile{}).Where("id <> ?", id).Update("active", false).Error
	})
}
