package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/serenity/erp/internal/domain/remittance"
)

func remittanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remittance",
		Short: "Work with 835 remittance files",
	}

	parseCmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse 835 files offline and print their claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, _ := cmd.Flags().GetStringSlice("file")
			workers, _ := cmd.Flags().GetInt("workers")
			files = append(files, args...)
			if len(files) == 0 {
				return fmt.Errorf("--file is required")
			}

			results := parseFiles(files, workers)
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
				printFileResult(cmd.OutOrStdout(), r)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) failed to parse", failed, len(results))
			}
			return nil
		},
	}
	parseCmd.Flags().StringSlice("file", nil, "835 file to parse (.gz is decompressed); repeatable")
	parseCmd.Flags().Int("workers", 4, "Number of files parsed concurrently")
	cmd.AddCommand(parseCmd)

	return cmd
}

type fileResult struct {
	Path   string
	Claims []remittance.ParsedClaim
	Err    error
}

// parseFiles parses paths with at most workers in flight. Results keep the
// input order.
func parseFiles(paths []string, workers int) []fileResult {
	if workers <= 0 {
		workers = 1
	}
	results := make([]fileResult, len(paths))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, p := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p string) {
			defer wg.Done()
			defer func() { <-sem }()

			res := fileResult{Path: p}
			content, err := readERAFile(p)
			if err == nil {
				res.Claims, err = remittance.ParseSegments(content)
			}
			res.Err = err
			results[i] = res
		}(i, p)
	}
	wg.Wait()
	return results
}

func readERAFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(raw), nil
}

type fileTotals struct {
	Charge        decimal.Decimal
	Paid          decimal.Decimal
	PaidClaims    int
	DeniedClaims  int
	Discrepancies int
	Unbalanced    decimal.Decimal
}

func totalsOf(claims []remittance.ParsedClaim) fileTotals {
	t := fileTotals{Charge: decimal.Zero, Paid: decimal.Zero, Unbalanced: decimal.Zero}
	for i := range claims {
		c := &claims[i]
		t.Charge = t.Charge.Add(c.ChargeAmount)
		t.Paid = t.Paid.Add(c.PaidAmount)
		if c.IsPaid() {
			t.PaidClaims++
		} else {
			t.DeniedClaims++
		}
		if d := c.Discrepancy(); !d.IsZero() {
			t.Discrepancies++
			t.Unbalanced = t.Unbalanced.Add(d.Abs())
		}
	}
	return t
}

func printFileResult(out io.Writer, r fileResult) {
	fmt.Fprintf(out, "== %s\n", r.Path)
	if r.Err != nil {
		fmt.Fprintf(out, "error: %v\n\n", r.Err)
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tCHARGE\tPAID\tADJ\tPATIENT\tPAYER CLAIM\tDISCREPANCY")
	for i := range r.Claims {
		c := &r.Claims[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.PatientAccountNumber, c.ClaimStatusCode,
			c.ChargeAmount.StringFixed(2), c.PaidAmount.StringFixed(2),
			c.AdjustmentAmount.StringFixed(2), c.PatientResponsibility.StringFixed(2),
			c.PayerClaimID, c.Discrepancy().StringFixed(2))
	}
	tw.Flush()

	t := totalsOf(r.Claims)
	fmt.Fprintf(out, "claims=%d paid=%d denied=%d charge=%s paid_amount=%s discrepancies=%d unbalanced=%s\n\n",
		len(r.Claims), t.PaidClaims, t.DeniedClaims, t.Charge.StringFixed(2), t.Paid.StringFixed(2),
		t.Discrepancies, t.Unbalanced.StringFixed(2))
}
