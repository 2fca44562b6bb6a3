package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PACSType is the protocol used to search a PACS
type PACSType string

const (
	PACSTypeDICOMWeb PACSType = "dicomweb"
	PACSTypeDIMSE    PACSType = "dimse"
	PACSTypeOrthanc  PACSType = "orthanc"
)

// RetrieveType is the protocol used to download from a PACS
type RetrieveType string

const (
	RetrieveWADORS  RetrieveType = "wado-rs"
	RetrieveWADOURI RetrieveType = "wado-uri"
	RetrieveRad69   RetrieveType = "rad69"
)

// PACSConfig represents a tenant's PACS configuration
type PACSConfig struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name     string    `gorm:"type:varchar(255);not null" json:"name"`
	Type     PACSType  `gorm:"type:varchar(50);not null" json:"type"`
	Endpoint string    `gorm:"type:varchar(500);not null" json:"endpoint"`
	Port     int       `gorm:"not null" json:"port"`
	// BasePath prefixes DICOMweb routes, "/dicom-web" when empty
	BasePath string `gorm:"type:varchar(255)" json:"base_path,omitempty"`
	AETitle  string `gorm:"type:varchar(50)" json:"ae_title"`

	RetrieveType RetrieveType `gorm:"type:varchar(50);not null;default:'wado-rs'" json:"retrieve_type"`
	// RetrieveURL overrides the download endpoint (WADO-URI or Rad69 services live elsewhere)
	RetrieveURL      string `gorm:"type:varchar(500)" json:"retrieve_url,omitempty"`
	RequestPerSeries bool   `gorm:"default:false" json:"request_per_series"`
	// IgnoreErrors is a comma separated list of item error causes to skip
	IgnoreErrors string `gorm:"type:varchar(255)" json:"ignore_errors,omitempty"`

	Username     string `gorm:"type:varchar(255)" json:"username,omitempty"`
	PasswordHash string `gorm:"type:text" json:"-"` // Encrypted password
	APIKey       string `gorm:"type:text" json:"-"` // Encrypted API key
	IsActive     bool   `gorm:"default:true" json:"is_active"`
	IsPrimary    bool   `gorm:"default:false" json:"is_primary"`

	// Connection status tracking
	LastConnectionTest   time.Time `gorm:"index" json:"last_connection_test,omitempty"`
	LastConnectionStatus bool      `json:"last_connection_status,omitempty"`
	LastError            string    `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the table name
func (PACSConfig) TableName() string {
	return "pacs_configs"
}

// BeforeCreate hook
func (p *PACSConfig) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// BaseURL is the DICOMweb root of the PACS
func (p PACSConfig) BaseURL() string {
	scheme := "http"
	if p.Port == 443 {
		scheme = "https"
	}
	base := p.BasePath
	if base == "" {
		base = "/dicom-web"
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, p.Endpoint, p.Port, strings.Trim(base, "/"))
}

// IgnoredCauses splits IgnoreErrors into its names
func (p PACSConfig) IgnoredCauses() []string {
	var names []string
	for _, name := range strings.Split(p.IgnoreErrors, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks the fields needed to build adapters
func (p PACSConfig) Validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	switch p.Type {
	case PACSTypeDICOMWeb, PACSTypeOrthanc:
	case PACSTypeDIMSE:
		if p.AETitle == "" {
			return fmt.Errorf("ae_title is required for DIMSE")
		}
	default:
		return fmt.Errorf("unsupported PACS type: %s", p.Type)
	}
	switch p.RetrieveType {
	case "", RetrieveWADORS:
		if p.Type == PACSTypeDIMSE && p.RetrieveURL == "" {
			return fmt.Errorf("retrieve_url is required for DIMSE sources")
		}
	case RetrieveWADOURI, RetrieveRad69:
		if p.RetrieveURL == "" {
			return fmt.Errorf("retrieve_url is required for %s", p.RetrieveType)
		}
	default:
		return fmt.Errorf("unsupported retrieve type: %s", p.RetrieveType)
	}
	return nil
}

// ConnectionStatus represents the status of a PACS connection
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// PACSConfigRequest represents a request to create/update PACS config
type PACSConfigRequest struct {
	Name             string       `json:"name"`
	Type             PACSType     `json:"type"`
	Endpoint         string       `json:"endpoint"`
	Port             int          `json:"port"`
	BasePath         string       `json:"base_path,omitempty"`
	AETitle          string       `json:"ae_title,omitempty"`
	RetrieveType     RetrieveType `json:"retrieve_type,omitempty"`
	RetrieveURL      string       `json:"retrieve_url,omitempty"`
	RequestPerSeries bool         `json:"request_per_series"`
	IgnoreErrors     []string     `json:"ignore_errors,omitempty"`
	Username         string       `json:"username,omitempty"`
	Password         string       `json:"password,omitempty"`
	APIKey           string       `json:"api_key,omitempty"`
	IsPrimary        bool         `json:"is_primary"`
}

// ToConfig builds the stored config for a tenant
func (r PACSConfigRequest) ToConfig(tenantID uuid.UUID) PACSConfig {
	retrieve := r.RetrieveType
	if retrieve == "" {
		retrieve = RetrieveWADORS
	}
	return PACSConfig{
		TenantID:         tenantID,
		Name:             r.Name,
		Type:             r.Type,
		Endpoint:         r.Endpoint,
		Port:             r.Port,
		BasePath:         r.BasePath,
		AETitle:          r.AETitle,
		RetrieveType:     retrieve,
		RetrieveURL:      r.RetrieveURL,
		RequestPerSeries: r.RequestPerSeries,
		IgnoreErrors:     strings.Join(r.IgnoreErrors, ","),
		Username:         r.Username,
		PasswordHash:     r.Password,
		APIKey:           r.APIKey,
		IsActive:         true,
		IsPrimary:        r.IsPrimary,
	}
}
