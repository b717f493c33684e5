package store

import (
	"time"

	"lexreport/api/internal/blocks"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

type Report struct {
	ID        string
	Title     string
	CreatedBy string
	Published bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Section is the unit of synchronization: one ordered block list.
type Section struct {
	ID            string
	ReportID      string
	Type          string
	Title         string
	OrderIndex    int
	ParentID      *string
	ContentBlocks []blocks.Block
	Locked        bool
	UpdatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SectionOrder struct {
	ID         string `json:"id"`
	OrderIndex int    `json:"orderIndex"`
}

// SectionChange is what the database announces after a section's content
// is written. It carries no blocks; readers fetch the row.
type SectionChange struct {
	ReportID  string    `json:"reportId"`
	SectionID string    `json:"sectionId"`
	UserID    string    `json:"userId"`
	UpdatedAt time.Time `json:"updatedAt"`
}
