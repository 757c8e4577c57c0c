package remittance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/serenity/erp/internal/platform/blobstore"
	"github.com/serenity/erp/internal/platform/events"
	"github.com/serenity/erp/internal/platform/validation"
)

const DefaultStatsWindowDays = 30

type Service struct {
	remittances RemittanceRepository
	details     ClaimDetailRepository
	lines       ClaimLineRepository
	tx          TxRunner
	matcher     *Matcher

	archive     blobstore.Store
	publisher   events.Publisher
	logger      zerolog.Logger
	now         func() time.Time
	statsWindow int
}

type Option func(*Service)

// WithArchive stores raw ERA content in s after a successful parse.
func WithArchive(s blobstore.Store) Option {
	return func(svc *Service) { svc.archive = s }
}

func WithPublisher(p events.Publisher) Option {
	return func(svc *Service) { svc.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

func WithStatsWindow(days int) Option {
	return func(svc *Service) {
		if days > 0 {
			svc.statsWindow = days
		}
	}
}

func NewService(rem RemittanceRepository, det ClaimDetailRepository, lines ClaimLineRepository, tx TxRunner, opts ...Option) *Service {
	s := &Service{
		remittances: rem,
		details:     det,
		lines:       lines,
		tx:          tx,
		matcher:     NewMatcher(lines),
		publisher:   events.NopPublisher{},
		logger:      zerolog.Nop(),
		now:         time.Now,
		statsWindow: DefaultStatsWindowDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// log prefers the request-scoped logger carried on ctx.
func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

// -- Remittance records --

func (s *Service) CreateRemittance(ctx context.Context, orgID uuid.UUID, userID string, in CreateInput) (*Remittance, error) {
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if in.TotalPaymentAmount.IsNegative() {
		return nil, fmt.Errorf("%w: total_payment_amount must not be negative", ErrInvalidInput)
	}
	if in.TotalPaymentAmount.GreaterThan(maxAmount) || !in.TotalPaymentAmount.Equal(in.TotalPaymentAmount.Truncate(maxAmountFracDigits)) {
		return nil, fmt.Errorf("%w: total_payment_amount exceeds NUMERIC(12,2)", ErrInvalidInput)
	}

	now := s.now().UTC()
	m := &Remittance{
		ID:                 uuid.New(),
		OrganizationID:     orgID,
		RemittanceNumber:   in.RemittanceNumber,
		PayerID:            in.PayerID,
		PayerName:          in.PayerName,
		PaymentMethod:      in.PaymentMethod,
		CheckNumber:        in.CheckNumber,
		TotalPaymentAmount: *in.TotalPaymentAmount,
		TotalChargeAmount:  decimal.Zero,
		TotalPaidAmount:    decimal.Zero,
		ReceivedAt:         now,
		RawContent:         in.RawContent,
		Status:             StatusReceived,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.PaymentDate != nil {
		d, err := time.Parse("2006-01-02", *in.PaymentDate)
		if err != nil {
			return nil, fmt.Errorf("%w: payment_date: %s", ErrInvalidInput, err)
		}
		m.PaymentDate = &d
	}
	if userID != "" {
		m.CreatedBy = &userID
	}

	if err := s.remittances.Create(ctx, m); err != nil {
		return nil, err
	}
	s.log(ctx).Info().Str("remittance_id", m.ID.String()).Str("payer_id", m.PayerID).Msg("remittance received")
	return m, nil
}

// RawContent returns the original 835 text of a remittance, read from the
// archive when one holds it and from the stored column otherwise.
func (s *Service) RawContent(ctx context.Context, orgID, id uuid.UUID) ([]byte, error) {
	m, err := s.remittances.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if s.archive != nil && m.ArchiveKey != nil {
		data, err := s.archive.Get(ctx, *m.ArchiveKey)
		if err == nil {
			return data, nil
		}
		s.log(ctx).Warn().Err(err).Str("archive_key", *m.ArchiveKey).Msg("read archived remittance")
		if !errors.Is(err, blobstore.ErrObjectNotFound) && m.RawContent == nil {
			return nil, err
		}
	}
	if m.RawContent == nil {
		return nil, fmt.Errorf("%w: no raw content stored", ErrNotFound)
	}
	return []byte(*m.RawContent), nil
}

// GetRemittance returns the remittance with its claim details.
func (s *Service) GetRemittance(ctx context.Context, orgID, id uuid.UUID) (*Remittance, error) {
	m, err := s.remittances.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	details, err := s.details.ListByRemittance(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	m.Details = details
	return m, nil
}

func (s *Service) ListRemittances(ctx context.Context, orgID uuid.UUID, f ListFilter) ([]*Remittance, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	return s.remittances.List(ctx, orgID, f)
}

func (s *Service) ListDetails(ctx context.Context, orgID, remittanceID uuid.UUID, status PostingStatus) ([]*ClaimDetail, error) {
	if _, err := s.remittances.GetByID(ctx, orgID, remittanceID); err != nil {
		return nil, err
	}
	if status == "" {
		return s.details.ListByRemittance(ctx, orgID, remittanceID)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown posting_status %q", ErrInvalidInput, status)
	}
	return s.details.ListByRemittance(ctx, orgID, remittanceID, status)
}

// -- Parsing --

// Parse segments content (or the stored raw content when content is empty),
// matches every claim and persists the details. A ParseError moves the
// remittance to error without creating any detail.
func (s *Service) Parse(ctx context.Context, orgID, id uuid.UUID, content string) (*ParseResult, error) {
	m, err := s.remittances.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if content == "" && m.RawContent != nil {
		content = *m.RawContent
	}

	if err := s.remittances.BeginParse(ctx, orgID, id); err != nil {
		return nil, err
	}

	logger := s.log(ctx).With().Str("remittance_id", id.String()).Logger()
	logger.Info().Int("bytes", len(content)).Msg("parse started")

	claims, err := ParseSegments(content)
	if err != nil {
		s.failParse(ctx, &logger, orgID, id, err)
		return nil, err
	}

	now := s.now().UTC()
	result := &ParseResult{Success: true, ClaimsProcessed: len(claims)}
	summary := ParseSummary{
		TotalChargeAmount: decimal.Zero,
		TotalPaidAmount:   decimal.Zero,
		RawContent:        content,
		ParsedAt:          now,
	}

	details := make([]*ClaimDetail, 0, len(claims))
	for i := range claims {
		pc := &claims[i]
		lineID, err := s.matcher.Match(ctx, orgID, pc.PatientAccountNumber)
		if err != nil {
			s.failParse(ctx, &logger, orgID, id, err)
			return nil, fmt.Errorf("match claim %q: %w", pc.PatientAccountNumber, err)
		}

		d := newDetail(m, i+1, pc, lineID, now)
		details = append(details, d)

		if pc.IsPaid() {
			summary.ClaimsPaid++
		} else {
			summary.ClaimsDenied++
		}
		if lineID == nil {
			result.ClaimsUnmatched++
		}
		if !d.BalanceDiscrepancy.IsZero() {
			result.Discrepancies++
		}
		summary.TotalChargeAmount = summary.TotalChargeAmount.Add(pc.ChargeAmount)
		summary.TotalPaidAmount = summary.TotalPaidAmount.Add(pc.PaidAmount)
	}
	result.ClaimsPaid = summary.ClaimsPaid
	result.ClaimsDenied = summary.ClaimsDenied

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.details.CreateBatch(ctx, details); err != nil {
			return err
		}
		return s.remittances.CompleteParse(ctx, orgID, id, summary)
	})
	if err != nil {
		s.failParse(ctx, &logger, orgID, id, err)
		return nil, err
	}

	s.archiveContent(ctx, &logger, orgID, id, content)

	logger.Info().
		Int("claims", result.ClaimsProcessed).
		Int("paid", result.ClaimsPaid).
		Int("denied", result.ClaimsDenied).
		Int("unmatched", result.ClaimsUnmatched).
		Int("discrepancies", result.Discrepancies).
		Msg("parse finished")

	s.publish(ctx, &logger, events.Event{
		Type:           events.TypeRemittanceParsed,
		OrganizationID: orgID.String(),
		RemittanceID:   id.String(),
		OccurredAt:     now,
		Payload: map[string]interface{}{
			"claims_processed": result.ClaimsProcessed,
			"claims_paid":      result.ClaimsPaid,
			"claims_denied":    result.ClaimsDenied,
			"claims_unmatched": result.ClaimsUnmatched,
		},
	})
	return result, nil
}

func newDetail(m *Remittance, line int, pc *ParsedClaim, claimLineID *uuid.UUID, now time.Time) *ClaimDetail {
	status := PostingPending
	if claimLineID == nil {
		status = PostingSkipped
	}
	d := &ClaimDetail{
		ID:                    uuid.New(),
		RemittanceID:          m.ID,
		OrganizationID:        m.OrganizationID,
		LineNumber:            line,
		ClaimLineID:           claimLineID,
		PayerClaimID:          pc.PayerClaimID,
		PatientAccountNumber:  pc.PatientAccountNumber,
		ClaimStatusCode:       pc.ClaimStatusCode,
		ChargeAmount:          pc.ChargeAmount,
		PaidAmount:            pc.PaidAmount,
		PatientResponsibility: pc.PatientResponsibility,
		AdjustmentAmount:      pc.AdjustmentAmount,
		AdjustmentCodes:       pc.AdjustmentCodes,
		PostingStatus:         status,
		CreatedAt:             now,
	}
	d.computeDiscrepancy()
	return d
}

func (s *Service) failParse(ctx context.Context, logger *zerolog.Logger, orgID, id uuid.UUID, cause error) {
	logger.Error().Err(cause).Msg("parse failed")
	if err := s.remittances.FailParse(ctx, orgID, id, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("record parse failure")
	}
}

func (s *Service) archiveContent(ctx context.Context, logger *zerolog.Logger, orgID, id uuid.UUID, content string) {
	if s.archive == nil {
		return
	}
	key := blobstore.ArchiveKey(orgID.String(), id.String())
	if err := s.archive.Put(ctx, key, blobstore.ContentTypeERA, []byte(content)); err != nil {
		logger.Warn().Err(err).Str("archive_key", key).Msg("archive raw remittance")
		return
	}
	if err := s.remittances.SetArchiveKey(ctx, orgID, id, key); err != nil {
		logger.Warn().Err(err).Str("archive_key", key).Msg("record archive key")
	}
}

// -- Posting --

// AutoPost posts every pending detail of a parsed remittance. Per-detail
// failures are collected and never abort the batch. With retryErrors the
// details left in error by a previous run are attempted again.
func (s *Service) AutoPost(ctx context.Context, orgID, id uuid.UUID, userID string, retryErrors bool) (*AutoPostResult, error) {
	if _, err := s.remittances.GetByID(ctx, orgID, id); err != nil {
		return nil, err
	}
	if err := s.remittances.BeginPosting(ctx, orgID, id); err != nil {
		return nil, err
	}

	logger := s.log(ctx).With().Str("remittance_id", id.String()).Logger()

	before, err := s.details.CountByPostingStatus(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	statuses := []PostingStatus{PostingPending}
	if retryErrors {
		statuses = append(statuses, PostingError)
	}
	candidates, err := s.details.ListByRemittance(ctx, orgID, id, statuses...)
	if err != nil {
		return nil, err
	}

	result := &AutoPostResult{
		AlreadyPosted: before.Posted,
		ErrorDetails:  []PostingFailure{},
	}

	for _, d := range candidates {
		err := s.autoPostDetail(ctx, d, userID)
		if err == nil {
			result.Posted++
			continue
		}

		result.Errors++
		result.ErrorDetails = append(result.ErrorDetails, PostingFailure{DetailID: d.ID, Reason: err.Error()})
		logger.Warn().Err(err).Str("detail_id", d.ID.String()).Msg("posting failed")

		if _, markErr := s.details.MarkError(ctx, orgID, d.ID, err.Error(), d.PostingStatus); markErr != nil {
			logger.Error().Err(markErr).Str("detail_id", d.ID.String()).Msg("record posting failure")
		}
	}

	status, counts, err := s.finishPosting(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	result.Status = status
	result.Skipped = counts.Skipped

	logger.Info().
		Int("posted", result.Posted).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Int("already_posted", result.AlreadyPosted).
		Str("status", string(status)).
		Msg("auto-post finished")

	s.publish(ctx, &logger, events.Event{
		Type:           events.TypeRemittanceAutoPosted,
		OrganizationID: orgID.String(),
		RemittanceID:   id.String(),
		OccurredAt:     s.now().UTC(),
		Payload: map[string]interface{}{
			"posted":  result.Posted,
			"skipped": result.Skipped,
			"errors":  result.Errors,
			"status":  string(status),
		},
	})
	return result, nil
}

func (s *Service) autoPostDetail(ctx context.Context, d *ClaimDetail, userID string) error {
	if d.ClaimLineID == nil {
		return fmt.Errorf("%w: detail has no matched claim line", ErrPostingConflict)
	}
	return s.postDetail(ctx, d, *d.ClaimLineID, userID, ErrPostingConflict, d.PostingStatus)
}

// ManualPost binds a detail to an operator-chosen claim line and posts it.
// A detail that is already posted is rejected with ErrManualPostConflict and
// nothing is written.
func (s *Service) ManualPost(ctx context.Context, orgID, detailID uuid.UUID, in ManualPostInput, userID string) (*ClaimDetail, error) {
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	claimLineID, err := uuid.Parse(in.ClaimLineID)
	if err != nil {
		return nil, fmt.Errorf("%w: claimLineId: %s", ErrInvalidInput, err)
	}

	d, err := s.details.GetByID(ctx, orgID, detailID)
	if err != nil {
		return nil, err
	}
	if d.PostingStatus == PostingPosted {
		return nil, ErrManualPostConflict
	}
	if _, err := s.lines.GetByID(ctx, orgID, claimLineID); err != nil {
		return nil, err
	}

	logger := s.log(ctx).With().
		Str("remittance_id", d.RemittanceID.String()).
		Str("detail_id", d.ID.String()).
		Logger()

	err = s.postDetail(ctx, d, claimLineID, userID, ErrManualPostConflict,
		PostingPending, PostingSkipped, PostingError)
	if err != nil {
		logger.Warn().Err(err).Str("claim_line_id", claimLineID.String()).Msg("manual post rejected")
		return nil, err
	}

	if _, _, err := s.finishPosting(ctx, orgID, d.RemittanceID); err != nil && !errors.Is(err, ErrNotParsed) {
		return nil, err
	}

	logger.Info().Str("claim_line_id", claimLineID.String()).Msg("manual post applied")
	s.publish(ctx, &logger, events.Event{
		Type:           events.TypeDetailPosted,
		OrganizationID: orgID.String(),
		RemittanceID:   d.RemittanceID.String(),
		OccurredAt:     s.now().UTC(),
		Payload: map[string]interface{}{
			"detail_id":     d.ID.String(),
			"claim_line_id": claimLineID.String(),
			"paid_amount":   d.PaidAmount.String(),
			"manual":        true,
		},
	})

	return s.details.GetByID(ctx, orgID, detailID)
}

// postDetail applies d to the claim line and marks d posted in a single
// transaction. Both writes are conditional; if the detail is no longer in one
// of from, the claim line write is rolled back and detailConflict returned.
func (s *Service) postDetail(ctx context.Context, d *ClaimDetail, claimLineID uuid.UUID, userID string, detailConflict error, from ...PostingStatus) error {
	now := s.now().UTC()
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		err := s.lines.ApplyPosting(ctx, ClaimLinePosting{
			ClaimLineID:      claimLineID,
			OrganizationID:   d.OrganizationID,
			PaidAmount:       d.PaidAmount,
			AdjustmentAmount: d.AdjustmentAmount,
			PayerClaimID:     d.PayerClaimID,
			AdjudicationDate: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
			Status:           TargetClaimLineStatus(d.PaidAmount, d.AdjustmentAmount),
		})
		if errors.Is(err, ErrPostingConflict) {
			return fmt.Errorf("%w: claim line %s is not in a postable state", ErrPostingConflict, claimLineID)
		}
		if err != nil {
			return err
		}

		err = s.details.MarkPosted(ctx, d.OrganizationID, d.ID, claimLineID, userID, now, from...)
		if errors.Is(err, ErrPostingConflict) {
			return detailConflict
		}
		return err
	})
}

// finishPosting recounts details and stores the derived status under the
// remittance row lock, so the last finisher always writes a fresh count.
func (s *Service) finishPosting(ctx context.Context, orgID, id uuid.UUID) (Status, PostingCounts, error) {
	var status Status
	var counts PostingCounts
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.remittances.LockForPosting(ctx, orgID, id); err != nil {
			return err
		}
		var err error
		counts, err = s.details.CountByPostingStatus(ctx, orgID, id)
		if err != nil {
			return err
		}
		status = DeriveStatus(counts)
		return s.remittances.FinishPosting(ctx, orgID, id, status, s.now().UTC())
	})
	if err != nil {
		return "", counts, err
	}
	return status, counts, nil
}

func (s *Service) publish(ctx context.Context, logger *zerolog.Logger, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logger.Warn().Err(err).Str("event", evt.Type).Msg("publish event")
	}
}

// -- Reconciliation --

// Stats aggregates remittance and posting state over the last days days.
// A non-positive days uses the configured window.
func (s *Service) Stats(ctx context.Context, orgID uuid.UUID, days int) (*Stats, error) {
	if days <= 0 {
		days = s.statsWindow
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	st, err := s.remittances.Stats(ctx, orgID, since)
	if err != nil {
		return nil, err
	}
	st.WindowDays = days
	st.Since = since
	st.computeRate()
	return st, nil
}
