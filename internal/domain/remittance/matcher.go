package remittance

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Matcher resolves a patient account number to at most one claim line by
// exact claim-number lookup within the organization.
type Matcher struct {
	lines ClaimLineRepository
}

func NewMatcher(lines ClaimLineRepository) *Matcher {
	return &Matcher{lines: lines}
}

// Match returns the matched claim line id, or nil when nothing matches.
// Blank account numbers never match.
func (m *Matcher) Match(ctx context.Context, orgID uuid.UUID, accountNumber string) (*uuid.UUID, error) {
	accountNumber = strings.TrimSpace(accountNumber)
	if accountNumber == "" {
		return nil, nil
	}
	line, err := m.lines.FindByClaimNumber(ctx, orgID, accountNumber)
	if errors.Is(err, ErrClaimLineNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := line.ID
	return &id, nil
}
