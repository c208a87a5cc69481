package domain

import (
	"strings"
	"time"
)

// ObituaryStatus enumerates publish-gate states.
type ObituaryStatus string

const (
	StatusPending   ObituaryStatus = "pending"
	StatusPublished ObituaryStatus = "published"
)

// Obituary is the central record moved through collect, rewrite and audit.
type Obituary struct {
	ID             int64
	ProvenanceHash string

	Name           string
	DateOfBirth    string // YYYY-MM-DD or empty
	DateOfDeath    string // YYYY-MM-DD or empty
	Age            int    // 0 when unknown
	FuneralHome    string
	Location       string
	CityNormalized string
	Description    string
	ImageURL       string
	SourceURL      string
	SourceDomain   string
	SourceType     string

	Status               ObituaryStatus
	AIDescription        string
	AIDescriptionHash    string
	AuditStatus          string
	AuditFlags           []string
	LastAuditAt          *time.Time
	LastAuditedHash      string
	AuditRequeueCount    int
	RewriteRequestedAt   *time.Time
	RewriteRequestReason string
	RewriteFailureReason string
	RewriteAttempts      int
	GoFundMeURL          string
	GoFundMeCheckedAt    *time.Time
	SuppressedAt         *time.Time
	SuppressedReason     string
	CreatedAt            time.Time
}

// HasDeathDate reports whether the death date is a usable value.
func (o Obituary) HasDeathDate() bool {
	return ValidDate(o.DateOfDeath)
}

// Suppressed reports whether the record is hidden from every public and batch query.
func (o Obituary) Suppressed() bool {
	return o.SuppressedAt != nil
}

// City returns the best city value for fact checks: the normalized city, else
// the first segment of the free-form location.
func (o Obituary) City() string {
	if c := strings.TrimSpace(o.CityNormalized); c != "" {
		return c
	}
	return FirstLocationSegment(o.Location)
}

// ValidDate treats empty and zero dates as absent.
func ValidDate(value string) bool {
	v := strings.TrimSpace(value)
	return v != "" && v != "0000-00-00" && !strings.HasPrefix(v, "0000")
}

// FirstLocationSegment keeps the part of a location before the first comma or dash.
func FirstLocationSegment(location string) string {
	loc := strings.TrimSpace(location)
	if idx := strings.IndexAny(loc, ",–—"); idx >= 0 {
		loc = loc[:idx]
	}
	if idx := strings.Index(loc, " - "); idx >= 0 {
		loc = loc[:idx]
	}
	return strings.TrimSpace(loc)
}

// AuditOutcome is what the auditor stores after a passing check.
type AuditOutcome struct {
	Status      string
	Flags       []string
	AuditedHash string
	AuditedAt   time.Time
}
