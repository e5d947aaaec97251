// Package crm holds the relationship-management entities the activity feed
// reads from and writes alongside events.
package crm

import (
	"fmt"
	"strings"
	"time"
)

// LeadStatus is the pipeline stage of a lead.
type LeadStatus string

const (
	LeadStatusNew        LeadStatus = "NEW"
	LeadStatusInProgress LeadStatus = "IN_PROGRESS"
	LeadStatusOnHold     LeadStatus = "ON_HOLD"
	LeadStatusLost       LeadStatus = "LOST"
	LeadStatusWon        LeadStatus = "WON"
	LeadStatusBortfalt   LeadStatus = "BORTFALT"
)

var leadStatuses = map[LeadStatus]struct{}{
	LeadStatusNew:        {},
	LeadStatusInProgress: {},
	LeadStatusOnHold:     {},
	LeadStatusLost:       {},
	LeadStatusWon:        {},
	LeadStatusBortfalt:   {},
}

// ParseLeadStatus accepts a status name in any case.
func ParseLeadStatus(raw string) (LeadStatus, error) {
	status := LeadStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := leadStatuses[status]; !ok {
		return "", fmt.Errorf("crm: unknown lead status %q", raw)
	}
	return status, nil
}

type Company struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;size:320;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Company) TableName() string { return "companies" }

type Contact struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	FirstName string    `gorm:"column:first_name;size:190"`
	LastName  string    `gorm:"column:last_name;size:190"`
	Email     string    `gorm:"column:email;size:320"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Contact) TableName() string { return "contacts" }

type Lead struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Description    string     `gorm:"column:description;type:text"`
	Status         LeadStatus `gorm:"column:status;size:32;not null;index"`
	CompanyID      int64      `gorm:"column:company_id;not null;index"`
	ContactID      *int64     `gorm:"column:contact_id;index"`
	PotentialValue *float64   `gorm:"column:potential_value"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
}

func (Lead) TableName() string { return "leads" }

type Comment struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Content         string    `gorm:"column:content;type:text;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;index"`
	CreatedByUserID int64     `gorm:"column:created_by_user_id;not null"`
	CompanyID       *int64    `gorm:"column:company_id;index"`
	ContactID       *int64    `gorm:"column:contact_id;index"`
	LeadID          *int64    `gorm:"column:lead_id;index"`
}

func (Comment) TableName() string { return "comments" }

type Email struct {
	ID                 int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Subject            string    `gorm:"column:subject;size:998"`
	Content            string    `gorm:"column:content;type:text"`
	CreatedAt          time.Time `gorm:"column:created_at;not null;index"`
	SourceUserID       *int64    `gorm:"column:source_user_id"`
	RecipientContactID *int64    `gorm:"column:recipient_contact_id;index"`
	RecipientCompanyID *int64    `gorm:"column:recipient_company_id;index"`
}

func (Email) TableName() string { return "emails" }

type Followup struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Note             string     `gorm:"column:note;type:text"`
	DueAt            *time.Time `gorm:"column:due_at"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null"`
	CreatedByUserID  int64      `gorm:"column:created_by_user_id;not null"`
	AssignedToUserID *int64     `gorm:"column:assigned_to_user_id"`
	CompanyID        *int64     `gorm:"column:company_id;index"`
	ContactID        *int64     `gorm:"column:contact_id;index"`
	LeadID           *int64     `gorm:"column:lead_id;index"`
}

func (Followup) TableName() string { return "followups" }

// ContactCompanyHistory records one affiliation period of a contact with a company.
// A nil EndDate means the affiliation is current.
type ContactCompanyHistory struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ContactID int64      `gorm:"column:contact_id;not null;index:idx_history_pair"`
	CompanyID int64      `gorm:"column:company_id;not null;index:idx_history_pair"`
	StartDate time.Time  `gorm:"column:start_date;not null"`
	EndDate   *time.Time `gorm:"column:end_date"`
	Role      string     `gorm:"column:role;size:190"`
}

func (ContactCompanyHistory) TableName() string { return "contact_company_history" }

// Models lists every entity table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&Company{},
		&Contact{},
		&Lead{},
		&Comment{},
		&Email{},
		&Followup{},
		&ContactCompanyHistory{},
	}
}
