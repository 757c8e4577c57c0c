package remittance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -- In-memory store --

// memStore backs all three repositories. Transactions are serialized and
// rolled back through an undo log, so a hook that simulates a concurrent
// writer survives the rollback of the transaction it raced with.
type memStore struct {
	mu          sync.Mutex
	remittances map[uuid.UUID]*Remittance
	details     map[uuid.UUID]*ClaimDetail
	lines       map[uuid.UUID]*ClaimLine
	lineOrder   []uuid.UUID

	txMu sync.Mutex
	undo []func()

	failCreateBatch  error
	beforeMarkPosted func(id uuid.UUID)
	afterCount       func(call int)
	countCalls       int
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{
		remittances: make(map[uuid.UUID]*Remittance),
		details:     make(map[uuid.UUID]*ClaimDetail),
		lines:       make(map[uuid.UUID]*ClaimLine),
	}
}

func (s *memStore) record(ctx context.Context, undo func()) {
	if ctx.Value(memTxKey{}) != nil {
		s.undo = append(s.undo, undo)
	}
}

func (s *memStore) addClaimLine(orgID uuid.UUID, number string, status ClaimLineStatus) *ClaimLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &ClaimLine{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		ClaimNumber:      number,
		BilledAmount:     decimal.Zero,
		PaidAmount:       decimal.Zero,
		AdjustmentAmount: decimal.Zero,
		Status:           status,
		CreatedAt:        time.Now(),
	}
	s.lines[l.ID] = l
	s.lineOrder = append(s.lineOrder, l.ID)
	return l
}

func (s *memStore) claimLine(id uuid.UUID) ClaimLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.lines[id]
}

func (s *memStore) setClaimLineStatus(id uuid.UUID, status ClaimLineStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[id].Status = status
}

func (s *memStore) detail(id uuid.UUID) ClaimDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.details[id]
}

func (s *memStore) remittance(id uuid.UUID) Remittance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.remittances[id]
}

func (s *memStore) detailsFor(remittanceID uuid.UUID) []ClaimDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ClaimDetail
	for _, d := range s.details {
		if d.RemittanceID == remittanceID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out
}

// -- Tx runner --

type memTx struct{ s *memStore }

func (t memTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.s.txMu.Lock()
	defer t.s.txMu.Unlock()

	t.s.mu.Lock()
	t.s.undo = nil
	t.s.mu.Unlock()

	err := fn(context.WithValue(ctx, memTxKey{}, true))

	t.s.mu.Lock()
	if err != nil {
		for i := len(t.s.undo) - 1; i >= 0; i-- {
			t.s.undo[i]()
		}
	}
	t.s.undo = nil
	t.s.mu.Unlock()
	return err
}

// -- Remittance repository --

type memRemittanceRepo struct{ s *memStore }

func (r memRemittanceRepo) Create(_ context.Context, m *Remittance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.remittances {
		if existing.OrganizationID == m.OrganizationID && existing.PayerID == m.PayerID &&
			existing.RemittanceNumber == m.RemittanceNumber {
			return ErrDuplicateRemittance
		}
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	cp := *m
	r.s.remittances[m.ID] = &cp
	return nil
}

func (r memRemittanceRepo) GetByID(_ context.Context, orgID, id uuid.UUID) (*Remittance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.remittances[id]
	if !ok || m.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r memRemittanceRepo) List(_ context.Context, orgID uuid.UUID, f ListFilter) ([]*Remittance, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*Remittance
	for _, m := range r.s.remittances {
		if m.OrganizationID != orgID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.PayerID != "" && m.PayerID != f.PayerID {
			continue
		}
		cp := *m
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ReceivedAt.After(all[j].ReceivedAt) })
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (r memRemittanceRepo) update(ctx context.Context, orgID, id uuid.UUID, allowed []Status, fn func(m *Remittance)) bool {
	m, ok := r.s.remittances[id]
	if !ok || m.OrganizationID != orgID {
		return false
	}
	if allowed != nil {
		match := false
		for _, st := range allowed {
			if m.Status == st {
				match = true
			}
		}
		if !match {
			return false
		}
	}
	prev := *m
	r.s.record(ctx, func() { *r.s.remittances[id] = prev })
	fn(m)
	return true
}

func (r memRemittanceRepo) hasDetails(id uuid.UUID) bool {
	for _, d := range r.s.details {
		if d.RemittanceID == id {
			return true
		}
	}
	return false
}

func (r memRemittanceRepo) BeginParse(ctx context.Context, orgID, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.hasDetails(id) {
		return ErrAlreadyParsed
	}
	ok := r.update(ctx, orgID, id, []Status{StatusReceived, StatusError}, func(m *Remittance) {
		m.Status = StatusParsing
		m.ErrorMessage = nil
	})
	if !ok {
		return ErrAlreadyParsed
	}
	return nil
}

func (r memRemittanceRepo) CompleteParse(ctx context.Context, orgID, id uuid.UUID, sum ParseSummary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ok := r.update(ctx, orgID, id, []Status{StatusParsing}, func(m *Remittance) {
		m.Status = StatusParsed
		m.ClaimsPaid = sum.ClaimsPaid
		m.ClaimsDenied = sum.ClaimsDenied
		m.TotalChargeAmount = sum.TotalChargeAmount
		m.TotalPaidAmount = sum.TotalPaidAmount
		raw := sum.RawContent
		m.RawContent = &raw
		at := sum.ParsedAt
		m.ParsedAt = &at
	})
	if !ok {
		return ErrAlreadyParsed
	}
	return nil
}

func (r memRemittanceRepo) FailParse(ctx context.Context, orgID, id uuid.UUID, msg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.update(ctx, orgID, id, []Status{StatusParsing}, func(m *Remittance) {
		m.Status = StatusError
		m.ErrorMessage = &msg
	})
	return nil
}

func (r memRemittanceRepo) SetArchiveKey(ctx context.Context, orgID, id uuid.UUID, key string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.update(ctx, orgID, id, nil, func(m *Remittance) { m.ArchiveKey = &key })
	return nil
}

var postableRemittance = []Status{StatusParsed, StatusPosting, StatusPosted, StatusPartial}

func (r memRemittanceRepo) BeginPosting(ctx context.Context, orgID, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.update(ctx, orgID, id, postableRemittance, func(m *Remittance) { m.Status = StatusPosting }) {
		return ErrNotParsed
	}
	return nil
}

func (r memRemittanceRepo) LockForPosting(_ context.Context, orgID, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.remittances[id]
	if !ok || m.OrganizationID != orgID {
		return ErrNotFound
	}
	for _, st := range postableRemittance {
		if m.Status == st {
			return nil
		}
	}
	return ErrNotParsed
}

func (r memRemittanceRepo) FinishPosting(ctx context.Context, orgID, id uuid.UUID, status Status, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ok := r.update(ctx, orgID, id, postableRemittance, func(m *Remittance) {
		m.Status = status
		m.PostedAt = &at
	})
	if !ok {
		return ErrNotParsed
	}
	return nil
}

func (r memRemittanceRepo) Stats(_ context.Context, orgID uuid.UUID, since time.Time) (*Stats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := NewStats(0, since)
	inWindow := make(map[uuid.UUID]bool)
	for _, m := range r.s.remittances {
		if m.OrganizationID != orgID || m.ReceivedAt.Before(since) {
			continue
		}
		inWindow[m.ID] = true
		st.TotalRemittances++
		st.RemittancesByStatus[m.Status]++
		st.TotalPaymentAmount = st.TotalPaymentAmount.Add(m.TotalPaymentAmount)
		st.ClaimsPaid += m.ClaimsPaid
		st.ClaimsDenied += m.ClaimsDenied
	}
	for _, d := range r.s.details {
		if !inWindow[d.RemittanceID] {
			continue
		}
		st.DetailsByPostingStatus[d.PostingStatus]++
		if d.PostingStatus == PostingPosted {
			st.PostedPaidAmount = st.PostedPaidAmount.Add(d.PaidAmount)
		}
	}
	return st, nil
}

// -- Claim detail repository --

type memDetailRepo struct{ s *memStore }

func (r memDetailRepo) CreateBatch(ctx context.Context, details []*ClaimDetail) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failCreateBatch != nil {
		return r.s.failCreateBatch
	}
	for _, d := range details {
		cp := *d
		id := d.ID
		r.s.details[id] = &cp
		r.s.record(ctx, func() { delete(r.s.details, id) })
	}
	return nil
}

func (r memDetailRepo) GetByID(_ context.Context, orgID, id uuid.UUID) (*ClaimDetail, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.details[id]
	if !ok || d.OrganizationID != orgID {
		return nil, ErrDetailNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memDetailRepo) ListByRemittance(_ context.Context, orgID, remittanceID uuid.UUID, statuses ...PostingStatus) ([]*ClaimDetail, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*ClaimDetail
	for _, d := range r.s.details {
		if d.RemittanceID != remittanceID || d.OrganizationID != orgID {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, d.PostingStatus) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

func hasStatus(list []PostingStatus, s PostingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r memDetailRepo) CountByPostingStatus(_ context.Context, orgID, remittanceID uuid.UUID) (PostingCounts, error) {
	r.s.mu.Lock()
	var c PostingCounts
	for _, d := range r.s.details {
		if d.RemittanceID == remittanceID && d.OrganizationID == orgID {
			c.Add(d.PostingStatus, 1)
		}
	}
	r.s.countCalls++
	call, hook := r.s.countCalls, r.s.afterCount
	r.s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return c, nil
}

func (r memDetailRepo) MarkPosted(ctx context.Context, orgID, id, claimLineID uuid.UUID, postedBy string, at time.Time, from ...PostingStatus) error {
	if hook := r.s.beforeMarkPosted; hook != nil {
		hook(id)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.details[id]
	if !ok || d.OrganizationID != orgID || !hasStatus(from, d.PostingStatus) {
		return ErrPostingConflict
	}
	prev := *d
	r.s.record(ctx, func() { *r.s.details[id] = prev })
	lineID := claimLineID
	d.ClaimLineID = &lineID
	d.PostingStatus = PostingPosted
	d.PostedBy = &postedBy
	d.PostedAt = &at
	d.ErrorMessage = nil
	return nil
}

func (r memDetailRepo) MarkError(ctx context.Context, orgID, id uuid.UUID, msg string, from PostingStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.details[id]
	if !ok || d.OrganizationID != orgID || d.PostingStatus != from {
		return false, nil
	}
	prev := *d
	r.s.record(ctx, func() { *r.s.details[id] = prev })
	d.PostingStatus = PostingError
	d.ErrorMessage = &msg
	return true, nil
}

// -- Claim line repository --

type memClaimLineRepo struct{ s *memStore }

func (r memClaimLineRepo) FindByClaimNumber(_ context.Context, orgID uuid.UUID, number string) (*ClaimLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range r.s.lineOrder {
		l := r.s.lines[id]
		if l.OrganizationID == orgID && l.ClaimNumber == number {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrClaimLineNotFound
}

func (r memClaimLineRepo) GetByID(_ context.Context, orgID, id uuid.UUID) (*ClaimLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lines[id]
	if !ok || l.OrganizationID != orgID {
		return nil, ErrClaimLineNotFound
	}
	cp := *l
	return &cp, nil
}

func (r memClaimLineRepo) ApplyPosting(ctx context.Context, p ClaimLinePosting) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lines[p.ClaimLineID]
	if !ok || l.OrganizationID != p.OrganizationID {
		return ErrPostingConflict
	}
	postable := false
	for _, st := range PostableClaimLineStatuses {
		if l.Status == st {
			postable = true
		}
	}
	if !postable {
		return ErrPostingConflict
	}
	prev := *l
	id := p.ClaimLineID
	r.s.record(ctx, func() { *r.s.lines[id] = prev })
	l.PaidAmount = p.PaidAmount
	l.AdjustmentAmount = p.AdjustmentAmount
	if p.PayerClaimID != "" {
		pcid := p.PayerClaimID
		l.PayerClaimID = &pcid
	}
	date := p.AdjudicationDate
	l.AdjudicationDate = &date
	l.Status = p.Status
	return nil
}
