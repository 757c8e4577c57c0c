package remittance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/serenity/erp/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// =========== Remittance Repository ===========

type remittanceRepoPG struct{ pool *pgxpool.Pool }

func NewRemittanceRepoPG(pool *pgxpool.Pool) RemittanceRepository {
	return &remittanceRepoPG{pool: pool}
}

func (r *remittanceRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const remCols = `id, organization_id, remittance_number, payer_id, payer_name, payment_method,
	check_number, payment_date, total_payment_amount, total_charge_amount, total_paid_amount,
	claims_paid, claims_denied, received_at, raw_content, archive_key, status, error_message,
	created_by, parsed_at, posted_at, created_at, updated_at`

func scanRemittance(row pgx.Row) (*Remittance, error) {
	var m Remittance
	err := row.Scan(&m.ID, &m.OrganizationID, &m.RemittanceNumber, &m.PayerID, &m.PayerName, &m.PaymentMethod,
		&m.CheckNumber, &m.PaymentDate, &m.TotalPaymentAmount, &m.TotalChargeAmount, &m.TotalPaidAmount,
		&m.ClaimsPaid, &m.ClaimsDenied, &m.ReceivedAt, &m.RawContent, &m.ArchiveKey, &m.Status, &m.ErrorMessage,
		&m.CreatedBy, &m.ParsedAt, &m.PostedAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *remittanceRepoPG) Create(ctx context.Context, m *Remittance) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO remittance_advice (id, organization_id, remittance_number, payer_id, payer_name,
			payment_method, check_number, payment_date, total_payment_amount, received_at,
			raw_content, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		m.ID, m.OrganizationID, m.RemittanceNumber, m.PayerID, m.PayerName,
		m.PaymentMethod, m.CheckNumber, m.PaymentDate, m.TotalPaymentAmount, m.ReceivedAt,
		m.RawContent, m.Status, m.CreatedBy,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRemittance
	}
	return err
}

func (r *remittanceRepoPG) GetByID(ctx context.Context, orgID, id uuid.UUID) (*Remittance, error) {
	return scanRemittance(r.conn(ctx).QueryRow(ctx,
		`SELECT `+remCols+` FROM remittance_advice WHERE id = $1 AND organization_id = $2`, id, orgID))
}

func (r *remittanceRepoPG) List(ctx context.Context, orgID uuid.UUID, f ListFilter) ([]*Remittance, int, error) {
	where := []string{"organization_id = $1"}
	args := []interface{}{orgID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PayerID != "" {
		args = append(args, f.PayerID)
		where = append(where, fmt.Sprintf("payer_id = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM remittance_advice WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+remCols+` FROM remittance_advice WHERE `+clause+
			fmt.Sprintf(` ORDER BY received_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Remittance
	for rows.Next() {
		m, err := scanRemittance(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *remittanceRepoPG) BeginParse(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_advice SET status = 'parsing', error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
		  AND status IN ('received', 'error')
		  AND NOT EXISTS (SELECT 1 FROM remittance_claim_details d WHERE d.remittance_id = remittance_advice.id)`,
		id, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyParsed
	}
	return nil
}

func (r *remittanceRepoPG) CompleteParse(ctx context.Context, orgID, id uuid.UUID, s ParseSummary) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_advice SET status = 'parsed', claims_paid = $3, claims_denied = $4,
			total_charge_amount = $5, total_paid_amount = $6, raw_content = $7, parsed_at = $8,
			error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'parsing'`,
		id, orgID, s.ClaimsPaid, s.ClaimsDenied, s.TotalChargeAmount, s.TotalPaidAmount, s.RawContent, s.ParsedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: remittance left the parsing state", ErrAlreadyParsed)
	}
	return nil
}

func (r *remittanceRepoPG) FailParse(ctx context.Context, orgID, id uuid.UUID, msg string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_advice SET status = 'error', error_message = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'parsing'`,
		id, orgID, msg)
	return err
}

func (r *remittanceRepoPG) SetArchiveKey(ctx context.Context, orgID, id uuid.UUID, key string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE remittance_advice SET archive_key = $3, updated_at = NOW() WHERE id = $1 AND organization_id = $2`,
		id, orgID, key)
	return err
}

func (r *remittanceRepoPG) BeginPosting(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_advice SET status = 'posting', updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status IN ('parsed', 'posting', 'posted', 'partial')`,
		id, orgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParsed
	}
	return nil
}

func (r *remittanceRepoPG) LockForPosting(ctx context.Context, orgID, id uuid.UUID) error {
	var status Status
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT status FROM remittance_advice WHERE id = $1 AND organization_id = $2 FOR UPDATE`,
		id, orgID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	switch status {
	case StatusParsed, StatusPosting, StatusPosted, StatusPartial:
		return nil
	}
	return ErrNotParsed
}

func (r *remittanceRepoPG) FinishPosting(ctx context.Context, orgID, id uuid.UUID, status Status, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_advice SET status = $3, posted_at = $4, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status IN ('parsed', 'posting', 'posted', 'partial')`,
		id, orgID, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParsed
	}
	return nil
}

func (r *remittanceRepoPG) Stats(ctx context.Context, orgID uuid.UUID, since time.Time) (*Stats, error) {
	st := NewStats(0, since)

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_payment_amount), 0),
			COALESCE(SUM(claims_paid), 0), COALESCE(SUM(claims_denied), 0)
		FROM remittance_advice
		WHERE organization_id = $1 AND received_at >= $2
		GROUP BY status`, orgID, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status Status
		var count, paid, denied int
		var amount decimal.Decimal
		if err := rows.Scan(&status, &count, &amount, &paid, &denied); err != nil {
			rows.Close()
			return nil, err
		}
		st.RemittancesByStatus[status] = count
		st.TotalRemittances += count
		st.TotalPaymentAmount = st.TotalPaymentAmount.Add(amount)
		st.ClaimsPaid += paid
		st.ClaimsDenied += denied
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.conn(ctx).Query(ctx, `
		SELECT d.posting_status, COUNT(*), COALESCE(SUM(d.paid_amount) FILTER (WHERE d.posting_status = 'posted'), 0)
		FROM remittance_claim_details d
		JOIN remittance_advice a ON a.id = d.remittance_id
		WHERE a.organization_id = $1 AND a.received_at >= $2
		GROUP BY d.posting_status`, orgID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status PostingStatus
		var count int
		var posted decimal.Decimal
		if err := rows.Scan(&status, &count, &posted); err != nil {
			return nil, err
		}
		st.DetailsByPostingStatus[status] = count
		st.PostedPaidAmount = st.PostedPaidAmount.Add(posted)
	}
	return st, rows.Err()
}

// =========== Claim Detail Repository ===========

type claimDetailRepoPG struct{ pool *pgxpool.Pool }

func NewClaimDetailRepoPG(pool *pgxpool.Pool) ClaimDetailRepository {
	return &claimDetailRepoPG{pool: pool}
}

func (r *claimDetailRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const detailCols = `id, remittance_id, organization_id, line_number, claim_line_id, payer_claim_id,
	patient_account_number, claim_status_code, charge_amount, paid_amount, patient_responsibility,
	adjustment_amount, adjustment_codes, posting_status, error_message, posted_by, posted_at, created_at`

func scanDetail(row pgx.Row) (*ClaimDetail, error) {
	var d ClaimDetail
	var codes []byte
	err := row.Scan(&d.ID, &d.RemittanceID, &d.OrganizationID, &d.LineNumber, &d.ClaimLineID, &d.PayerClaimID,
		&d.PatientAccountNumber, &d.ClaimStatusCode, &d.ChargeAmount, &d.PaidAmount, &d.PatientResponsibility,
		&d.AdjustmentAmount, &codes, &d.PostingStatus, &d.ErrorMessage, &d.PostedBy, &d.PostedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDetailNotFound
	}
	if err != nil {
		return nil, err
	}
	d.AdjustmentCodes = []AdjustmentCode{}
	if len(codes) > 0 {
		if err := json.Unmarshal(codes, &d.AdjustmentCodes); err != nil {
			return nil, fmt.Errorf("decode adjustment codes for detail %s: %w", d.ID, err)
		}
	}
	d.computeDiscrepancy()
	return &d, nil
}

func (r *claimDetailRepoPG) CreateBatch(ctx context.Context, details []*ClaimDetail) error {
	if len(details) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range details {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		codes, err := json.Marshal(d.AdjustmentCodes)
		if err != nil {
			return fmt.Errorf("encode adjustment codes: %w", err)
		}
		batch.Queue(`
			INSERT INTO remittance_claim_details (id, remittance_id, organization_id, line_number,
				claim_line_id, payer_claim_id, patient_account_number, claim_status_code,
				charge_amount, paid_amount, patient_responsibility, adjustment_amount,
				adjustment_codes, posting_status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			d.ID, d.RemittanceID, d.OrganizationID, d.LineNumber,
			d.ClaimLineID, d.PayerClaimID, d.PatientAccountNumber, d.ClaimStatusCode,
			d.ChargeAmount, d.PaidAmount, d.PatientResponsibility, d.AdjustmentAmount,
			codes, d.PostingStatus, d.CreatedAt)
	}

	br := r.conn(ctx).SendBatch(ctx, batch)
	for i := range details {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert claim detail line %d: %w", details[i].LineNumber, err)
		}
	}
	return br.Close()
}

func (r *claimDetailRepoPG) GetByID(ctx context.Context, orgID, id uuid.UUID) (*ClaimDetail, error) {
	return scanDetail(r.conn(ctx).QueryRow(ctx,
		`SELECT `+detailCols+` FROM remittance_claim_details WHERE id = $1 AND organization_id = $2`, id, orgID))
}

func (r *claimDetailRepoPG) ListByRemittance(ctx context.Context, orgID, remittanceID uuid.UUID, statuses ...PostingStatus) ([]*ClaimDetail, error) {
	q := `SELECT ` + detailCols + ` FROM remittance_claim_details WHERE remittance_id = $1 AND organization_id = $2`
	args := []interface{}{remittanceID, orgID}
	if len(statuses) > 0 {
		q += ` AND posting_status = ANY($3)`
		args = append(args, statusStrings(statuses))
	}
	q += ` ORDER BY line_number`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ClaimDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *claimDetailRepoPG) CountByPostingStatus(ctx context.Context, orgID, remittanceID uuid.UUID) (PostingCounts, error) {
	var counts PostingCounts
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT posting_status, COUNT(*) FROM remittance_claim_details
		WHERE remittance_id = $1 AND organization_id = $2
		GROUP BY posting_status`, remittanceID, orgID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var status PostingStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts.Add(status, n)
	}
	return counts, rows.Err()
}

func (r *claimDetailRepoPG) MarkPosted(ctx context.Context, orgID, id, claimLineID uuid.UUID, postedBy string, at time.Time, from ...PostingStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_claim_details
		SET posting_status = 'posted', claim_line_id = $3, posted_by = $4, posted_at = $5, error_message = NULL
		WHERE id = $1 AND organization_id = $2 AND posting_status = ANY($6)`,
		id, orgID, claimLineID, postedBy, at, statusStrings(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPostingConflict
	}
	return nil
}

func (r *claimDetailRepoPG) MarkError(ctx context.Context, orgID, id uuid.UUID, msg string, from PostingStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE remittance_claim_details SET posting_status = 'error', error_message = $3
		WHERE id = $1 AND organization_id = $2 AND posting_status = $4`,
		id, orgID, msg, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// =========== Claim Line Repository ===========

type claimLineRepoPG struct{ pool *pgxpool.Pool }

func NewClaimLineRepoPG(pool *pgxpool.Pool) ClaimLineRepository {
	return &claimLineRepoPG{pool: pool}
}

func (r *claimLineRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const lineCols = `id, organization_id, claim_number, billed_amount, paid_amount, adjustment_amount,
	payer_claim_id, adjudication_date, status, created_at`

func scanClaimLine(row pgx.Row) (*ClaimLine, error) {
	var l ClaimLine
	err := row.Scan(&l.ID, &l.OrganizationID, &l.ClaimNumber, &l.BilledAmount, &l.PaidAmount, &l.AdjustmentAmount,
		&l.PayerClaimID, &l.AdjudicationDate, &l.Status, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimLineNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// FindByClaimNumber returns the oldest claim line with that number so
// duplicate numbers resolve the same way every time.
func (r *claimLineRepoPG) FindByClaimNumber(ctx context.Context, orgID uuid.UUID, claimNumber string) (*ClaimLine, error) {
	return scanClaimLine(r.conn(ctx).QueryRow(ctx, `
		SELECT `+lineCols+` FROM claim_lines
		WHERE organization_id = $1 AND claim_number = $2
		ORDER BY created_at, id LIMIT 1`, orgID, claimNumber))
}

func (r *claimLineRepoPG) GetByID(ctx context.Context, orgID, id uuid.UUID) (*ClaimLine, error) {
	return scanClaimLine(r.conn(ctx).QueryRow(ctx,
		`SELECT `+lineCols+` FROM claim_lines WHERE id = $1 AND organization_id = $2`, id, orgID))
}

func (r *claimLineRepoPG) ApplyPosting(ctx context.Context, p ClaimLinePosting) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim_lines
		SET paid_amount = $3, adjustment_amount = $4,
			payer_claim_id = COALESCE(NULLIF($5, ''), payer_claim_id),
			adjudication_date = $6, status = $7, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = ANY($8)`,
		p.ClaimLineID, p.OrganizationID, p.PaidAmount, p.AdjustmentAmount,
		p.PayerClaimID, p.AdjudicationDate, p.Status, statusStrings(PostableClaimLineStatuses))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPostingConflict
	}
	return nil
}
