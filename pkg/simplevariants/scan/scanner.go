// Package scan walks every account in batches, for backfills such as a full
// resync after the size class catalog or a plan changed.
package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

// AccountLister is the part of simplevariants.Service the scanner needs.
type AccountLister interface {
	ListAccounts(ctx context.Context, limit, offset int) ([]*simplevariants.Account, error)
}

// AccountProcessor processes one account. A returned error marks the account
// as failed; the scan continues with the next one.
type AccountProcessor interface {
	Process(ctx context.Context, account *simplevariants.Account) error
}

// ProcessorFunc adapts a function to AccountProcessor.
type ProcessorFunc func(ctx context.Context, account *simplevariants.Account) error

func (f ProcessorFunc) Process(ctx context.Context, account *simplevariants.Account) error {
	return f(ctx, account)
}

// Scanner pages through accounts and hands each to a processor.
type Scanner struct {
	lister AccountLister
	logger *slog.Logger
}

// New creates a new Scanner instance.
func New(lister AccountLister, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{lister: lister, logger: logger}
}

// Options configures a scan.
type Options struct {
	// Processor is required unless DryRun is set.
	Processor AccountProcessor

	// BatchSize controls how many accounts are listed at once (default: 100)
	BatchSize int

	// DryRun lists accounts without processing them.
	DryRun bool

	// OnProgress is called after each batch.
	OnProgress func(processed, total int64)
}

// Result contains statistics about a scan.
type Result struct {
	TotalFound     int64
	TotalProcessed int64
	TotalFailed    int64
	FailedIDs      []uuid.UUID
}

// Scan processes every account. Only listing errors and context
// cancellation stop it early.
func (s *Scanner) Scan(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}

	if !opts.DryRun && opts.Processor == nil {
		return result, fmt.Errorf("processor is required when DryRun is false")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	for offset := 0; ; offset += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		accounts, err := s.lister.ListAccounts(ctx, opts.BatchSize, offset)
		if err != nil {
			return result, fmt.Errorf("failed to list accounts: %w", err)
		}
		result.TotalFound += int64(len(accounts))

		for _, account := range accounts {
			if opts.DryRun {
				s.logger.InfoContext(ctx, "dry run: would process account", "account_id", account.ID, "plan_id", account.PlanID)
				result.TotalProcessed++
				continue
			}
			if err := opts.Processor.Process(ctx, account); err != nil {
				result.TotalFailed++
				result.FailedIDs = append(result.FailedIDs, account.ID)
				s.logger.ErrorContext(ctx, "account processing failed", "account_id", account.ID, "error", err)
				continue
			}
			result.TotalProcessed++
		}

		if opts.OnProgress != nil {
			opts.OnProgress(result.TotalProcessed+result.TotalFailed, result.TotalFound)
		}
		if len(accounts) < opts.BatchSize {
			return result, nil
		}
	}
}

// Resync returns a processor that runs a full resync of each account.
func Resync(svc simplevariants.Service) AccountProcessor {
	return ProcessorFunc(func(ctx context.Context, account *simplevariants.Account) error {
		_, err := svc.ResyncAccount(ctx, account.ID)
		return err
	})
}
