package remittance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a Remittance.
type Status string

const (
	StatusReceived Status = "received"
	StatusParsing  Status = "parsing"
	StatusParsed   Status = "parsed"
	StatusPosting  Status = "posting"
	StatusPosted   Status = "posted"
	StatusPartial  Status = "partial"
	StatusError    Status = "error"
)

var validStatuses = map[Status]bool{
	StatusReceived: true, StatusParsing: true, StatusParsed: true, StatusPosting: true,
	StatusPosted: true, StatusPartial: true, StatusError: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// PostingStatus is the posting state of one ClaimDetail.
type PostingStatus string

const (
	PostingPending PostingStatus = "pending"
	PostingPosted  PostingStatus = "posted"
	PostingSkipped PostingStatus = "skipped"
	PostingError   PostingStatus = "error"
)

var validPostingStatuses = map[PostingStatus]bool{
	PostingPending: true, PostingPosted: true, PostingSkipped: true, PostingError: true,
}

func (s PostingStatus) Valid() bool { return validPostingStatuses[s] }

// ClaimLineStatus mirrors the billing module's claim_lines.status column.
type ClaimLineStatus string

const (
	ClaimLineSubmitted ClaimLineStatus = "submitted"
	ClaimLineAccepted  ClaimLineStatus = "accepted"
	ClaimLinePaid      ClaimLineStatus = "paid"
	ClaimLineAdjusted  ClaimLineStatus = "adjusted"
	ClaimLineRejected  ClaimLineStatus = "rejected"
)

// PostableClaimLineStatuses are the claim line states a posting may move out of.
var PostableClaimLineStatuses = []ClaimLineStatus{ClaimLineSubmitted, ClaimLineAccepted}

// Remittance is one inbound payment advice.
type Remittance struct {
	ID                 uuid.UUID       `json:"id"`
	OrganizationID     uuid.UUID       `json:"organization_id"`
	RemittanceNumber   string          `json:"remittance_number"`
	PayerID            string          `json:"payer_id"`
	PayerName          *string         `json:"payer_name,omitempty"`
	PaymentMethod      *string         `json:"payment_method,omitempty"`
	CheckNumber        *string         `json:"check_number,omitempty"`
	PaymentDate        *time.Time      `json:"payment_date,omitempty"`
	TotalPaymentAmount decimal.Decimal `json:"total_payment_amount"`
	TotalChargeAmount  decimal.Decimal `json:"total_charge_amount"`
	TotalPaidAmount    decimal.Decimal `json:"total_paid_amount"`
	ClaimsPaid         int             `json:"claims_paid"`
	ClaimsDenied       int             `json:"claims_denied"`
	ReceivedAt         time.Time       `json:"received_at"`
	RawContent         *string         `json:"-"`
	ArchiveKey         *string         `json:"archive_key,omitempty"`
	Status             Status          `json:"status"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	CreatedBy          *string         `json:"created_by,omitempty"`
	ParsedAt           *time.Time      `json:"parsed_at,omitempty"`
	PostedAt           *time.Time      `json:"posted_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`

	Details []*ClaimDetail `json:"details,omitempty"`
}

// AdjustmentCode is one reason-coded reduction folded into a claim.
type AdjustmentCode struct {
	Group  string          `json:"group"`
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

// ClaimDetail is one claim-payment line extracted from a remittance.
type ClaimDetail struct {
	ID                    uuid.UUID        `json:"id"`
	RemittanceID          uuid.UUID        `json:"remittance_id"`
	OrganizationID        uuid.UUID        `json:"organization_id"`
	LineNumber            int              `json:"line_number"`
	ClaimLineID           *uuid.UUID       `json:"claim_line_id,omitempty"`
	PayerClaimID          string           `json:"payer_claim_id"`
	PatientAccountNumber  string           `json:"patient_account_number"`
	ClaimStatusCode       string           `json:"claim_status_code"`
	ChargeAmount          decimal.Decimal  `json:"charge_amount"`
	PaidAmount            decimal.Decimal  `json:"paid_amount"`
	PatientResponsibility decimal.Decimal  `json:"patient_responsibility"`
	AdjustmentAmount      decimal.Decimal  `json:"adjustment_amount"`
	AdjustmentCodes       []AdjustmentCode `json:"adjustment_codes"`
	BalanceDiscrepancy    decimal.Decimal  `json:"balance_discrepancy"`
	PostingStatus         PostingStatus    `json:"posting_status"`
	ErrorMessage          *string          `json:"error_message,omitempty"`
	PostedBy              *string          `json:"posted_by,omitempty"`
	PostedAt              *time.Time       `json:"posted_at,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
}

// Discrepancy returns charge - paid - adjustment - patient responsibility.
// A non-zero value is reported but never blocks posting.
func (d *ClaimDetail) Discrepancy() decimal.Decimal {
	return d.ChargeAmount.Sub(d.PaidAmount).Sub(d.AdjustmentAmount).Sub(d.PatientResponsibility)
}

func (d *ClaimDetail) computeDiscrepancy() {
	d.BalanceDiscrepancy = d.Discrepancy()
}

// ClaimLine is the subset of a billing claim line the engine reads and writes.
type ClaimLine struct {
	ID               uuid.UUID       `json:"id"`
	OrganizationID   uuid.UUID       `json:"organization_id"`
	ClaimNumber      string          `json:"claim_number"`
	BilledAmount     decimal.Decimal `json:"billed_amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	AdjustmentAmount decimal.Decimal `json:"adjustment_amount"`
	PayerClaimID     *string         `json:"payer_claim_id,omitempty"`
	AdjudicationDate *time.Time      `json:"adjudication_date,omitempty"`
	Status           ClaimLineStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ClaimLinePosting is the write applied to a claim line when a detail posts.
type ClaimLinePosting struct {
	ClaimLineID      uuid.UUID
	OrganizationID   uuid.UUID
	PaidAmount       decimal.Decimal
	AdjustmentAmount decimal.Decimal
	PayerClaimID     string
	AdjudicationDate time.Time
	Status           ClaimLineStatus
}

// TargetClaimLineStatus picks the claim line status for a posted outcome.
func TargetClaimLineStatus(paid, adjustment decimal.Decimal) ClaimLineStatus {
	switch {
	case paid.IsPositive():
		return ClaimLinePaid
	case adjustment.IsPositive():
		return ClaimLineAdjusted
	default:
		return ClaimLineRejected
	}
}

// ParseSummary is what a successful parse records on the remittance row.
type ParseSummary struct {
	ClaimsPaid        int
	ClaimsDenied      int
	TotalChargeAmount decimal.Decimal
	TotalPaidAmount   decimal.Decimal
	RawContent        string
	ParsedAt          time.Time
}

// ParseResult is returned by the parse operation.
type ParseResult struct {
	Success         bool   `json:"success"`
	ClaimsProcessed int    `json:"claimsProcessed"`
	ClaimsPaid      int    `json:"claimsPaid"`
	ClaimsDenied    int    `json:"claimsDenied"`
	ClaimsUnmatched int    `json:"claimsUnmatched"`
	Discrepancies   int    `json:"discrepancies"`
	Error           string `json:"error,omitempty"`
}

// PostingFailure names one detail that failed during a batch post.
type PostingFailure struct {
	DetailID uuid.UUID `json:"detail_id"`
	Reason   string    `json:"reason"`
}

// AutoPostResult summarizes one auto-post run.
type AutoPostResult struct {
	Posted        int              `json:"posted"`
	Skipped       int              `json:"skipped"`
	Errors        int              `json:"errors"`
	AlreadyPosted int              `json:"already_posted"`
	ErrorDetails  []PostingFailure `json:"error_details"`
	Status        Status           `json:"status"`
}

// PostingCounts tallies a remittance's details by posting status.
type PostingCounts struct {
	Pending int `json:"pending"`
	Posted  int `json:"posted"`
	Skipped int `json:"skipped"`
	Error   int `json:"error"`
}

func (c *PostingCounts) Add(s PostingStatus, n int) {
	switch s {
	case PostingPending:
		c.Pending += n
	case PostingPosted:
		c.Posted += n
	case PostingSkipped:
		c.Skipped += n
	case PostingError:
		c.Error += n
	}
}

// DeriveStatus computes a remittance's status from its details. Anything left
// in error or pending makes it partial; skipped details do not.
func DeriveStatus(c PostingCounts) Status {
	if c.Error > 0 || c.Pending > 0 {
		return StatusPartial
	}
	return StatusPosted
}

// Stats is the reconciliation view for one organization over a window.
type Stats struct {
	WindowDays             int                   `json:"window_days"`
	Since                  time.Time             `json:"since"`
	TotalRemittances       int                   `json:"total_remittances"`
	RemittancesByStatus    map[Status]int        `json:"remittances_by_status"`
	TotalPaymentAmount     decimal.Decimal       `json:"total_payment_amount"`
	ClaimsPaid             int                   `json:"claims_paid"`
	ClaimsDenied           int                   `json:"claims_denied"`
	DetailsByPostingStatus map[PostingStatus]int `json:"details_by_posting_status"`
	PostedPaidAmount       decimal.Decimal       `json:"posted_paid_amount"`
	PostingRate            float64               `json:"posting_rate"`
}

// NewStats returns an empty Stats with initialized maps.
func NewStats(days int, since time.Time) *Stats {
	return &Stats{
		WindowDays:             days,
		Since:                  since,
		RemittancesByStatus:    make(map[Status]int),
		DetailsByPostingStatus: make(map[PostingStatus]int),
		TotalPaymentAmount:     decimal.Zero,
		PostedPaidAmount:       decimal.Zero,
	}
}

// computeRate sets PostingRate to posted / (posted + pending + error).
// Skipped details are excluded.
func (s *Stats) computeRate() {
	posted := s.DetailsByPostingStatus[PostingPosted]
	eligible := posted + s.DetailsByPostingStatus[PostingPending] + s.DetailsByPostingStatus[PostingError]
	if eligible == 0 {
		s.PostingRate = 0
		return
	}
	s.PostingRate = float64(posted) / float64(eligible)
}

// ListFilter narrows a remittance listing.
type ListFilter struct {
	Status  Status
	PayerID string
	Limit   int
	Offset  int
}

// CreateInput is the request body for creating a remittance.
type CreateInput struct {
	RemittanceNumber   string           `json:"remittance_number" validate:"required,max=64"`
	PayerID            string           `json:"payer_id" validate:"required,max=64"`
	PayerName          *string          `json:"payer_name,omitempty" validate:"omitempty,max=255"`
	PaymentMethod      *string          `json:"payment_method,omitempty" validate:"omitempty,max=8"`
	CheckNumber        *string          `json:"check_number,omitempty" validate:"omitempty,max=64"`
	PaymentDate        *string          `json:"payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	TotalPaymentAmount *decimal.Decimal `json:"total_payment_amount" validate:"required"`
	RawContent         *string          `json:"raw_content,omitempty"`
}

// ManualPostInput is the request body for a manual override post.
type ManualPostInput struct {
	ClaimLineID string `json:"claimLineId" validate:"required,uuid"`
}
