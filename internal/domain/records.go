package domain

import "time"

// Framework is a compliance framework such as ISO 27001.
type Framework struct {
	ID      int64  `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// ControlGroup groups controls inside a framework.
type ControlGroup struct {
	ID          int64  `json:"id" yaml:"id"`
	FrameworkID int64  `json:"framework_id" yaml:"framework_id"`
	Code        string `json:"code" yaml:"code"`
	Name        string `json:"name" yaml:"name"`
	Order       int    `json:"order" yaml:"order"`
}

// Control is a single checkable control. Immutable once seeded.
type Control struct {
	ID             int64  `json:"id" yaml:"id"`
	ControlGroupID int64  `json:"control_group_id" yaml:"control_group_id"`
	Code           string `json:"code" yaml:"code"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description" yaml:"description"`
	Order          int    `json:"order" yaml:"order"`
	Active         bool   `json:"active" yaml:"-"`
}

// Label is the code when present, otherwise the name.
func (c Control) Label() string {
	if c.Code != "" {
		return c.Code
	}
	return c.Name
}

// Text is the full query text used for retrieval: name, blank line, description.
func (c Control) Text() string {
	return c.Name + "\n\n" + c.Description
}

// PolicyStatus is the approval state of a policy.
type PolicyStatus string

const (
	PolicyDraft       PolicyStatus = "draft"
	PolicyUnderReview PolicyStatus = "under_review"
	PolicyApproved    PolicyStatus = "approved"
	PolicyArchived    PolicyStatus = "archived"
)

// Policy is an organization's policy document, optionally mapped to one control.
type Policy struct {
	ID          int64        `json:"id" yaml:"id"`
	CompanyID   int64        `json:"company_id" yaml:"company_id"`
	FrameworkID int64        `json:"framework_id" yaml:"framework_id"`
	ControlID   int64        `json:"control_id,omitempty" yaml:"control_id,omitempty"`
	Number      string       `json:"number,omitempty" yaml:"number,omitempty"`
	Title       string       `json:"title" yaml:"title"`
	Content     string       `json:"content" yaml:"content"`
	Status      PolicyStatus `json:"status" yaml:"status"`
	Active      bool         `json:"active" yaml:"-"`
}

// KnowledgeBaseDocument is authoritative reference text for a framework.
type KnowledgeBaseDocument struct {
	ID          int64     `json:"id"`
	FrameworkID int64     `json:"framework_id"`
	Title       string    `json:"title"`
	Version     string    `json:"version,omitempty"`
	RawText     string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// GapStatus is the lifecycle state of a persisted gap.
type GapStatus string

const GapIdentified GapStatus = "IDENTIFIED"

// Gap is the persisted record created from a GAP verdict.
type Gap struct {
	ID           int64     `json:"id"`
	EvaluationID string    `json:"evaluation_id"`
	FrameworkID  int64     `json:"framework_id"`
	ControlID    int64     `json:"control_id"`
	CompanyID    int64     `json:"company_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Severity     Severity  `json:"severity"`
	Status       GapStatus `json:"status"`
	RiskScore    int       `json:"risk_score"`
	RootCause    string    `json:"root_cause"`
	CreatedAt    time.Time `json:"created_at"`
}

// RemediationStatus is the lifecycle state of a remediation plan.
type RemediationStatus string

const RemediationPlanned RemediationStatus = "PLANNED"

// Remediation is the action plan attached to a gap.
type Remediation struct {
	ID          int64             `json:"id"`
	GapID       int64             `json:"gap_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	ActionPlan  string            `json:"action_plan"`
	Status      RemediationStatus `json:"status"`
}
