package remittance

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	segmentDelimiter = "~"
	elementDelimiter = "*"

	tagClaimPayment = "CLP"
	tagAdjustment   = "CAS"

	// Amount columns are NUMERIC(12,2).
	maxAmountIntDigits  = 10
	maxAmountFracDigits = 2
)

var (
	amountPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
	maxAmount     = decimal.RequireFromString("9999999999.99")
)

// ParsedClaim is one claim-payment context with its adjustments folded in.
type ParsedClaim struct {
	PatientAccountNumber  string
	ClaimStatusCode       string
	ChargeAmount          decimal.Decimal
	PaidAmount            decimal.Decimal
	PatientResponsibility decimal.Decimal
	PayerClaimID          string
	AdjustmentAmount      decimal.Decimal
	AdjustmentCodes       []AdjustmentCode
}

// IsPaid reports whether the payer paid anything on the claim.
func (p *ParsedClaim) IsPaid() bool { return p.PaidAmount.IsPositive() }

// Discrepancy returns charge - paid - adjustment - patient responsibility.
func (p *ParsedClaim) Discrepancy() decimal.Decimal {
	return p.ChargeAmount.Sub(p.PaidAmount).Sub(p.AdjustmentAmount).Sub(p.PatientResponsibility)
}

// ParseSegments splits raw 835 text into claim-payment contexts, in input
// order. Only CLP and CAS segments are read; everything else is ignored.
//
// CLP elements: 1 patient account, 2 status code, 3 charge, 4 paid,
// 5 patient responsibility, 7 payer claim id. CAS elements: 1 group code,
// then repeating (reason, amount, quantity) triplets. A CAS before any CLP
// is dropped. Amounts that are not plain decimals within the column precision
// (no exponent, at most ten integer and two fraction digits) count as zero,
// as does an adjustment that would push the claim total past that precision.
func ParseSegments(content string) ([]ParsedClaim, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ParseError{Msg: "remittance content is empty"}
	}
	if !strings.Contains(content, elementDelimiter) {
		return nil, &ParseError{Msg: "no element delimiter found; content is not an 835 remittance"}
	}

	var claims []ParsedClaim
	var cur *ParsedClaim
	flush := func() {
		if cur != nil {
			claims = append(claims, *cur)
			cur = nil
		}
	}

	for _, raw := range strings.Split(content, segmentDelimiter) {
		seg := strings.TrimSpace(raw)
		if seg == "" {
			continue
		}
		el := elements(strings.Split(seg, elementDelimiter))

		switch el.at(0) {
		case tagClaimPayment:
			flush()
			cur = &ParsedClaim{
				PatientAccountNumber:  el.at(1),
				ClaimStatusCode:       el.at(2),
				ChargeAmount:          amount(el.at(3)),
				PaidAmount:            amount(el.at(4)),
				PatientResponsibility: amount(el.at(5)),
				PayerClaimID:          el.at(7),
				AdjustmentAmount:      decimal.Zero,
				AdjustmentCodes:       []AdjustmentCode{},
			}
		case tagAdjustment:
			if cur == nil {
				continue
			}
			group := el.at(1)
			for i := 2; i < len(el); i += 3 {
				code := el.at(i)
				if code == "" {
					continue
				}
				amt := amount(el.at(i + 1))
				total := cur.AdjustmentAmount.Add(amt)
				if total.Abs().GreaterThan(maxAmount) {
					amt = decimal.Zero
					total = cur.AdjustmentAmount
				}
				cur.AdjustmentCodes = append(cur.AdjustmentCodes, AdjustmentCode{Group: group, Code: code, Amount: amt})
				cur.AdjustmentAmount = total
			}
		}
	}
	flush()

	return claims, nil
}

type elements []string

func (e elements) at(i int) string {
	if i < 0 || i >= len(e) {
		return ""
	}
	return strings.TrimSpace(e[i])
}

func amount(s string) decimal.Decimal {
	if !amountPattern.MatchString(s) {
		return decimal.Zero
	}
	intPart, frac, _ := strings.Cut(strings.TrimPrefix(s, "-"), ".")
	intPart = strings.TrimLeft(intPart, "0")
	if len(intPart) > maxAmountIntDigits || len(frac) > maxAmountFracDigits {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
