package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RemoteTarget is a saved SSH host. Password holds a fernet token.
type RemoteTarget struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Host        string    `gorm:"not null" json:"host"`
	Port        int       `gorm:"not null;default:22" json:"port"`
	Username    string    `gorm:"not null" json:"username"`
	Password    string    `json:"-"`
	Description string    `json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Script is a saved shell snippet. A blank Command means "bash <Path>".
type Script struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Path        string    `json:"path"`
	Command     string    `gorm:"type:text" json:"command"`
	Description string    `json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AIProfile is an OpenAI-compatible provider configuration. At most one
// profile is Active at a time. APIKey holds a fernet token.
type AIProfile struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Name         string    `gorm:"uniqueIndex;not null" json:"name"`
	BaseURL      string    `gorm:"not null" json:"base_url"`
	APIKey       string    `json:"-"`
	Model        string    `gorm:"not null" json:"model"`
	SystemPrompt string    `gorm:"type:text" json:"system_prompt"`
	Temperature  float64   `gorm:"not null;default:0.2" json:"temperature"`
	MaxTokens    int       `gorm:"not null;default:800" json:"max_tokens"`
	Active       bool      `gorm:"not null;default:false" json:"active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditLog records SSH activity: connects, command executions, terminal
// sessions and file operations.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;size:36" json:"session_id"`
	TargetID   string    `gorm:"index;size:36" json:"target_id"`
	TargetName string    `json:"target_name"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	Username   string    `json:"username"`
	Details    string    `gorm:"type:text" json:"details"`
	Duration   int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}

func (t *RemoteTarget) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (s *Script) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

func (p *AIProfile) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
