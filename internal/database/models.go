package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Server is a registered ESXi host. The password is stored for connecting
// to the host's API and never serialized into responses.
type Server struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Host      string    `gorm:"not null" json:"host"`
	Port      int       `gorm:"default:443" json:"port"`
	Username  string    `gorm:"not null" json:"username"`
	Password  string    `gorm:"not null" json:"-"`
	VerifySSL bool      `gorm:"default:false" json:"verify_ssl"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID primary key when none was provided.
func (s *Server) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Port == 0 {
		s.Port = 443
	}
	return nil
}
