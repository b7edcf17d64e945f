// Package abuse manages per-user block lists and abuse reports. Blocks filter the blocker's view only: envelopes and
// signaling events from a blocked user are dropped before they reach the blocker, while the blocked side sees no
// difference. The hub consults a Valkey-cached copy of each block set so per-event filtering stays off SQLite.
package abuse

import "errors"

// Sentinel errors for the abuse package.
var (
	ErrSelfBlock         = errors.New("cannot block yourself")
	ErrReportNotFound    = errors.New("abuse report not found")
	ErrInvalidStatus     = errors.New("unknown report status")
	ErrInvalidTransition = errors.New("invalid report status transition")
	ErrEmptyDescription  = errors.New("report description must not be empty")
)

// ReportStatus is the review state of an abuse report.
type ReportStatus string

const (
	StatusPending     ReportStatus = "pending"
	StatusUnderReview ReportStatus = "under_review"
	StatusResolved    ReportStatus = "resolved"
	StatusDismissed   ReportStatus = "dismissed"
)

// Valid reports whether s is a known status.
func (s ReportStatus) Valid() bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// Terminal reports whether the status ends the review. Terminal reports cannot transition further.
func (s ReportStatus) Terminal() bool {
	return s == StatusResolved || s == StatusDismissed
}

// CanTransition reports whether a report may move from s to next. Review only moves forward: pending can be picked up
// or closed directly, under_review can only be closed.
func (s ReportStatus) CanTransition(next ReportStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusUnderReview || next.Terminal()
	case StatusUnderReview:
		return next.Terminal()
	}
	return false
}

// Report is one abuse report filed by a user against another.
type Report struct {
	ID          string       `json:"id"`
	Reporter    string       `json:"reporter"`
	Reported    string       `json:"reported"`
	Description string       `json:"description"`
	Photos      []string     `json:"photos"`
	Status      ReportStatus `json:"status"`
	AdminNotes  string       `json:"adminNotes"`
	ResolvedBy  *string      `json:"resolvedBy,omitempty"`
	ResolvedAt  *int64       `json:"resolvedAt,omitempty"`
	CreatedAt   int64        `json:"createdAt"`
}
