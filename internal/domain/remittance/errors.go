package remittance

import "errors"

var (
	ErrNotFound            = errors.New("remittance not found")
	ErrDetailNotFound      = errors.New("claim detail not found")
	ErrClaimLineNotFound   = errors.New("claim line not found")
	ErrDuplicateRemittance = errors.New("remittance number already exists for this payer")
	ErrAlreadyParsed       = errors.New("remittance has already been parsed")
	ErrNotParsed           = errors.New("remittance is not in a postable state")
	ErrPostingConflict     = errors.New("posting conflict: target already finalized by another writer")
	ErrManualPostConflict  = errors.New("claim detail is already posted")
	ErrInvalidInput        = errors.New("invalid input")
)

// ParseError reports content that cannot be segmented at all. The
// remittance moves to error and no details are created.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return "parse failure: " + e.Msg }
