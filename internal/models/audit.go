package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DownloadAudit records the outcome of one work item of a download
type DownloadAudit struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ReportID     uuid.UUID `gorm:"type:uuid;not null;index" json:"report_id"`
	TenantID     uuid.UUID `gorm:"type:uuid;index" json:"tenant_id"`
	PACSConfigID uuid.UUID `gorm:"type:uuid;index" json:"pacs_config_id"`
	StudyUID     string    `gorm:"type:varchar(255);index" json:"study_uid"`
	SeriesUID    string    `gorm:"type:varchar(255)" json:"series_uid,omitempty"`
	InstanceUID  string    `gorm:"type:varchar(255)" json:"instance_uid,omitempty"`
	Status       string    `gorm:"type:varchar(20);index" json:"status"` // stored, skipped, failed, unattempted
	Stored       int       `json:"stored"`
	Skipped      int       `json:"skipped"`
	Backfilled   bool      `json:"backfilled"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration     int64     `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (DownloadAudit) TableName() string {
	return "download_audits"
}

// BeforeCreate hook
func (a *DownloadAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
