package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline/aggregate"
	"github.com/dvloznov/finance-etl/internal/pipeline/ingest"
	"github.com/dvloznov/finance-etl/internal/pipeline/load"
	"github.com/dvloznov/finance-etl/internal/pipeline/transform"
	"github.com/dvloznov/finance-etl/internal/store"
)

// PipelineStep is one stage of a run.
type PipelineStep interface {
	Stage() domain.Stage
	// Execute returns per-record problems in the StepResult. A returned
	// error is fatal to the run.
	Execute(ctx context.Context, state *PipelineState) (StepResult, error)
}

// Input is the raw batch of a run. Body wins over SourceURI.
type Input struct {
	Body      []byte
	SourceURI string
}

// PipelineState holds the shared state across the steps of one run.
type PipelineState struct {
	Run       *domain.PipelineRun
	OwnerID   string
	Channel   domain.Channel
	Input     Input
	Dashboard *domain.Dashboard
}

// StepResult is the per-stage outcome recorded in the StepLog.
type StepResult struct {
	RecordsIn  int
	Normalized int
	Rejected   int
	Duplicates int
	Rejections []domain.Rejection
	Warnings   []string
}

// DefaultAccountID is the account that receives records without an account
// reference. It is stable per owner.
func DefaultAccountID(ownerID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("finance-etl:default-account:"+ownerID)).String()
}

// IngestStep decodes, normalizes and stores the raw batch.
type IngestStep struct {
	Store      store.Store
	Normalizer *ingest.Normalizer
	CSV        ingest.CSVOptions
	Fetcher    SourceFetcher
	Extractor  StatementExtractor
	Currency   string
	Now        func() time.Time
}

func (s *IngestStep) Stage() domain.Stage { return domain.StageIngest }

func (s *IngestStep) Execute(ctx context.Context, state *PipelineState) (StepResult, error) {
	decoded, err := s.decode(ctx, state)
	if err != nil {
		return StepResult{}, domain.Fatal(domain.StageIngest, err)
	}

	batch := s.Normalizer.Normalize(state.OwnerID, state.Channel, decoded.Payloads)
	res := StepResult{
		RecordsIn:  len(decoded.Payloads) + len(decoded.Rejections),
		Normalized: len(batch.Records),
		Rejections: append(decoded.Rejections, batch.Rejections...),
	}
	res.Rejected = len(res.Rejections)

	records, fingerprints := uniqueRecords(batch.Records)
	now := s.Now().UTC()

	inserted := 0
	err = s.Store.Transaction(ctx, func(repo store.Repository) error {
		foreign, err := repo.ForeignFingerprints(ctx, state.OwnerID, fingerprints)
		if err != nil {
			return err
		}
		if len(foreign) > 0 {
			return fmt.Errorf("IngestStep: %w: %s", domain.ErrFingerprintCollision, foreign[0])
		}

		rows := make([]domain.Transaction, 0, len(records))
		needDefault := false
		for _, raw := range records {
			row := toTransaction(raw, now)
			if row.AccountID == "" {
				row.AccountID = DefaultAccountID(state.OwnerID)
				needDefault = true
			}
			rows = append(rows, row)
		}
		if needDefault {
			_, err := repo.EnsureAccount(ctx, domain.Account{
				ID:       DefaultAccountID(state.OwnerID),
				OwnerID:  state.OwnerID,
				Provider: "default",
				Currency: s.Currency,
			})
			if err != nil {
				return err
			}
		}

		inserted, err = repo.InsertTransactions(ctx, rows)
		return err
	})
	if err != nil {
		return StepResult{}, domain.Fatal(domain.StageIngest, err)
	}

	res.Duplicates = len(batch.Records) - inserted
	return res, nil
}

func (s *IngestStep) decode(ctx context.Context, state *PipelineState) (ingest.Decoded, error) {
	body := state.Input.Body
	if len(body) == 0 && state.Input.SourceURI != "" {
		if s.Fetcher == nil {
			return ingest.Decoded{}, errors.New("decode: no source fetcher configured")
		}
		fetched, err := s.Fetcher.FetchFromGCS(ctx, state.Input.SourceURI)
		if err != nil {
			return ingest.Decoded{}, fmt.Errorf("decode: fetching %s: %w", state.Input.SourceURI, err)
		}
		body = fetched
	}

	switch state.Channel {
	case domain.ChannelCSV:
		return ingest.DecodeCSV(bytes.NewReader(body), s.CSV)
	case domain.ChannelAPI:
		return ingest.DecodeAPIBody(body)
	case domain.ChannelWebhook:
		return ingest.DecodeWebhook(body)
	case domain.ChannelStatement:
		if s.Extractor == nil {
			return ingest.Decoded{}, errors.New("decode: no statement extractor configured")
		}
		rows, err := s.Extractor.ExtractRows(ctx, body)
		if err != nil {
			return ingest.Decoded{}, fmt.Errorf("decode: extracting statement rows: %w", err)
		}
		out := ingest.Decoded{Payloads: make([]domain.SourcePayload, 0, len(rows))}
		for _, r := range rows {
			out.Payloads = append(out.Payloads, r)
		}
		return out, nil
	}
	return ingest.Decoded{}, fmt.Errorf("decode: unknown channel %q", state.Channel)
}

// uniqueRecords drops repeated fingerprints within one batch, keeping the
// first occurrence.
func uniqueRecords(records []domain.RawTransaction) ([]domain.RawTransaction, []string) {
	seen := make(map[string]bool, len(records))
	out := make([]domain.RawTransaction, 0, len(records))
	fps := make([]string, 0, len(records))
	for _, r := range records {
		if seen[r.Fingerprint] {
			continue
		}
		seen[r.Fingerprint] = true
		out = append(out, r)
		fps = append(fps, r.Fingerprint)
	}
	return out, fps
}

func toTransaction(raw domain.RawTransaction, now time.Time) domain.Transaction {
	return domain.Transaction{
		OwnerID:      raw.OwnerID,
		AccountID:    raw.AccountRef,
		Fingerprint:  raw.Fingerprint,
		Description:  raw.Description,
		RawAmount:    raw.AmountText,
		RawDate:      raw.DateText,
		RawMerchant:  raw.MerchantText,
		CategoryHint: raw.CategoryHint,
		TypeHint:     raw.TypeHint,
		Channel:      raw.Channel,
		SourceRef:    raw.SourceRef,
		ExternalID:   raw.ExternalID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// TransformStep parses and categorizes every unprocessed row of the owner.
type TransformStep struct {
	Store  store.Store
	Engine *transform.Engine
}

func (s *TransformStep) Stage() domain.Stage { return domain.StageTransform }

func (s *TransformStep) Execute(ctx context.Context, state *PipelineState) (StepResult, error) {
	var res StepResult
	err := s.Store.Transaction(ctx, func(repo store.Repository) error {
		rows, err := repo.ListTransactions(ctx, state.OwnerID, store.Only(false))
		if err != nil {
			return err
		}
		out := s.Engine.Transform(ctx, rows)

		res = StepResult{
			RecordsIn:  len(rows),
			Normalized: len(out.Processed),
			Rejected:   len(out.Rejected),
			Rejections: out.Rejections,
		}
		return repo.SaveTransformed(ctx, append(out.Processed, out.Rejected...))
	})
	if err != nil {
		return StepResult{}, domain.Fatal(domain.StageTransform, err)
	}
	return res, nil
}

// LoadStep recomputes account balances and the stats cache of the owner.
type LoadStep struct {
	Store   store.Store
	Options load.Options
	Now     func() time.Time
}

func (s *LoadStep) Stage() domain.Stage { return domain.StageLoad }

func (s *LoadStep) Execute(ctx context.Context, state *PipelineState) (StepResult, error) {
	if err := s.Store.EnsureIndexes(ctx); err != nil {
		return StepResult{}, domain.Fatal(domain.StageLoad, err)
	}

	opts := s.Options
	opts.Now = s.Now()
	if state.Run != nil {
		opts.RunID = state.Run.ID
	}

	var res StepResult
	err := s.Store.Transaction(ctx, func(repo store.Repository) error {
		accounts, err := repo.ListAccounts(ctx, state.OwnerID)
		if err != nil {
			return err
		}
		rows, err := repo.ListTransactions(ctx, state.OwnerID, store.Only(true))
		if err != nil {
			return err
		}

		foreign, err := repo.GetAccounts(ctx, unknownAccountIDs(accounts, rows))
		if err != nil {
			return err
		}
		out := load.Recompute(state.OwnerID, append(accounts, foreign...), rows, opts)

		if err := repo.SaveBalances(ctx, out.Accounts); err != nil {
			return err
		}
		if err := repo.SaveStats(ctx, out.Stats); err != nil {
			return err
		}

		res = StepResult{
			RecordsIn:  len(rows),
			Normalized: len(rows) - len(out.Violations),
			Rejected:   len(out.Violations),
			Rejections: out.Violations,
			Warnings:   out.Warnings,
		}
		for _, d := range out.Drift {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"account %s: balance drift stored=%s recomputed=%s", d.AccountID, d.Stored, d.Recomputed))
		}
		return nil
	})
	if err != nil {
		return StepResult{}, domain.Fatal(domain.StageLoad, err)
	}
	return res, nil
}

// unknownAccountIDs returns account ids referenced by rows that are not in
// accounts, in first-seen order.
func unknownAccountIDs(accounts []domain.Account, rows []domain.Transaction) []string {
	known := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		known[a.ID] = true
	}
	var ids []string
	for _, r := range rows {
		if r.AccountID == "" || known[r.AccountID] {
			continue
		}
		known[r.AccountID] = true
		ids = append(ids, r.AccountID)
	}
	return ids
}

// AggregateStep builds the dashboard from processed rows and the stats cache.
type AggregateStep struct {
	Store   store.Store
	Options aggregate.Options
	Now     func() time.Time
}

func (s *AggregateStep) Stage() domain.Stage { return domain.StageAggregate }

func (s *AggregateStep) Execute(ctx context.Context, state *PipelineState) (StepResult, error) {
	d, n, err := s.Compute(ctx, state.OwnerID)
	if err != nil {
		return StepResult{}, domain.Fatal(domain.StageAggregate, err)
	}
	state.Dashboard = &d
	return StepResult{RecordsIn: n, Normalized: n}, nil
}

// Compute reads the owner's processed rows and stats and returns the
// dashboard with the number of rows it was built from.
func (s *AggregateStep) Compute(ctx context.Context, ownerID string) (domain.Dashboard, int, error) {
	var (
		rows  []domain.Transaction
		stats *domain.UserStats
	)
	err := s.Store.Transaction(ctx, func(repo store.Repository) error {
		var err error
		rows, err = repo.ListTransactions(ctx, ownerID, store.Only(true))
		if err != nil {
			return err
		}
		st, err := repo.GetStats(ctx, ownerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			stats = &st
		}
		return nil
	})
	if err != nil {
		return domain.Dashboard{}, 0, fmt.Errorf("AggregateStep: reading owner %s: %w", ownerID, err)
	}

	opts := s.Options
	opts.Now = s.Now()
	return aggregate.Compute(ownerID, rows, stats, opts), len(rows), nil
}
