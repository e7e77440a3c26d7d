package jobs

import (
	"encoding/json"
	"time"

	"github.com/suPer8Hu/ai-relay/internal/ai"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"job_id"` // ULID length

	OwnerKey  string `gorm:"type:varchar(64);not null;index:uniq_owner_idempo,unique,priority:1" json:"-"`
	SessionID string `gorm:"type:varchar(128);index;not null" json:"session_id"`

	Query           string `gorm:"type:text;not null" json:"-"`
	Messages        string `gorm:"type:text;not null" json:"-"` // JSON []ai.Message
	EnableWebSearch bool   `gorm:"not null;default:false" json:"enable_web_search"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_owner_idempo,unique,priority:2" json:"-"`

	Status  Status `gorm:"type:varchar(16);index;not null" json:"status"`
	Stage   string `gorm:"type:varchar(32)" json:"stage,omitempty"`
	Percent int    `gorm:"not null;default:0" json:"percent"`
	Message string `gorm:"type:varchar(255)" json:"message,omitempty"`

	// Filled when completed
	Result *string `gorm:"type:text" json:"result,omitempty"`

	// Filled when errored or timed out
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "relay_jobs" }

func (j *Job) DecodeMessages() ([]ai.Message, error) {
	var msgs []ai.Message
	if err := json.Unmarshal([]byte(j.Messages), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
