package remittance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RemittanceRepository interface {
	Create(ctx context.Context, r *Remittance) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*Remittance, error)
	List(ctx context.Context, orgID uuid.UUID, f ListFilter) ([]*Remittance, int, error)
	// BeginParse moves received|error -> parsing, only while the remittance
	// has no details. Returns ErrAlreadyParsed when the guard fails.
	BeginParse(ctx context.Context, orgID, id uuid.UUID) error
	CompleteParse(ctx context.Context, orgID, id uuid.UUID, s ParseSummary) error
	FailParse(ctx context.Context, orgID, id uuid.UUID, msg string) error
	SetArchiveKey(ctx context.Context, orgID, id uuid.UUID, key string) error
	// BeginPosting moves parsed|posting|posted|partial -> posting. Returns
	// ErrNotParsed when the remittance is in any other state.
	BeginPosting(ctx context.Context, orgID, id uuid.UUID) error
	// LockForPosting takes a row lock held until the surrounding transaction
	// ends, so concurrent finishers count and write one at a time. Returns
	// ErrNotFound or ErrNotParsed.
	LockForPosting(ctx context.Context, orgID, id uuid.UUID) error
	FinishPosting(ctx context.Context, orgID, id uuid.UUID, status Status, at time.Time) error
	Stats(ctx context.Context, orgID uuid.UUID, since time.Time) (*Stats, error)
}

type ClaimDetailRepository interface {
	CreateBatch(ctx context.Context, details []*ClaimDetail) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*ClaimDetail, error)
	// ListByRemittance returns details in line order, limited to the given
	// posting statuses when any are passed.
	ListByRemittance(ctx context.Context, orgID, remittanceID uuid.UUID, statuses ...PostingStatus) ([]*ClaimDetail, error)
	CountByPostingStatus(ctx context.Context, orgID, remittanceID uuid.UUID) (PostingCounts, error)
	// MarkPosted sets the detail posted only while its status is one of from.
	// Returns ErrPostingConflict when no row matched.
	MarkPosted(ctx context.Context, orgID, id, claimLineID uuid.UUID, postedBy string, at time.Time, from ...PostingStatus) error
	// MarkError records a failure only while the detail is still in from.
	// Reports whether a row was updated.
	MarkError(ctx context.Context, orgID, id uuid.UUID, msg string, from PostingStatus) (bool, error)
}

type ClaimLineRepository interface {
	FindByClaimNumber(ctx context.Context, orgID uuid.UUID, claimNumber string) (*ClaimLine, error)
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*ClaimLine, error)
	// ApplyPosting writes the posting only while the line is in a postable
	// status. Returns ErrPostingConflict when no row matched.
	ApplyPosting(ctx context.Context, p ClaimLinePosting) error
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
