package pipeline

import (
	"context"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// SourceFetcher downloads a source file referenced by URI.
type SourceFetcher interface {
	FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error)
}

// StatementExtractor turns a PDF statement into one APIRecord per printed
// transaction row. It does not categorize.
type StatementExtractor interface {
	ExtractRows(ctx context.Context, pdfBytes []byte) ([]domain.APIRecord, error)
}

// DashboardCache holds the last computed dashboard per owner.
type DashboardCache interface {
	Get(ctx context.Context, ownerID string) (*domain.Dashboard, bool, error)
	Set(ctx context.Context, ownerID string, d *domain.Dashboard) error
	Delete(ctx context.Context, ownerID string) error
	Ping(ctx context.Context) error
}

// RunSink receives every finished run for offline analysis.
type RunSink interface {
	Export(ctx context.Context, run *domain.PipelineRun) error
}

// OwnerLocker serializes runs per owner. TryLock returns
// domain.ErrRunInProgress when ownerID is already held; otherwise the
// returned func releases the lock.
type OwnerLocker interface {
	TryLock(ctx context.Context, ownerID string) (release func(), err error)
}
