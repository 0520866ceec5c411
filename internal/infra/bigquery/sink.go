package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// DefaultRunsTable is the table runs are streamed into.
const DefaultRunsTable = "pipeline_runs"

// RunSink implements pipeline.RunSink on a BigQuery table.
type RunSink struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	tableID   string
}

// NewRunSink creates a sink with its own client. Close releases it.
func NewRunSink(ctx context.Context, projectID, datasetID, tableID string) (*RunSink, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRunSink: creating client: %w", err)
	}
	return NewRunSinkWithClient(client, datasetID, tableID), nil
}

// NewRunSinkWithClient creates a sink over a shared client.
func NewRunSinkWithClient(client *bigquery.Client, datasetID, tableID string) *RunSink {
	if tableID == "" {
		tableID = DefaultRunsTable
	}
	return &RunSink{client: client, projectID: client.Project(), datasetID: datasetID, tableID: tableID}
}

// Close closes the BigQuery client connection.
func (s *RunSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Export streams one row per run. The run id is the insert id, so a retried
// export of the same run is deduplicated by BigQuery.
func (s *RunSink) Export(ctx context.Context, run *domain.PipelineRun) error {
	row, err := RowFromRun(run)
	if err != nil {
		return fmt.Errorf("Export: %w", err)
	}

	inserter := s.client.Dataset(s.datasetID).Table(s.tableID).Inserter()
	if err := inserter.Put(ctx, &bigquery.StructSaver{Struct: row, InsertID: run.ID}); err != nil {
		return fmt.Errorf("Export: inserting run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns the latest exported runs of ownerID, newest first.
func (s *RunSink) RecentRuns(ctx context.Context, ownerID string, limit int) ([]*PipelineRunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.%s`"+`
		WHERE owner_id = @owner_id
		ORDER BY started_ts DESC
		LIMIT @limit
	`, s.projectID, s.datasetID, s.tableID)

	q := s.client.Query(query)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "owner_id", Value: ownerID},
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("RecentRuns: reading query: %w", err)
	}

	var runs []*PipelineRunRow
	for {
		var row PipelineRunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("RecentRuns: iterating: %w", err)
		}
		runs = append(runs, &row)
	}
	return runs, nil
}
