package domain

import "strconv"

// SourcePayload is one source-specific record. The set of variants is closed:
// CSVRow, APIRecord and WebhookEvent.
type SourcePayload interface {
	// Ref identifies the record within its batch for rejection reports.
	Ref() string
	isSourcePayload()
}

// CSVRow is one data row of an uploaded file, keyed by header name.
type CSVRow struct {
	Line    int
	Columns map[string]string
}

// APIRecord is one element of a JSON body submitted directly or fetched from
// an external source.
type APIRecord struct {
	Index  int
	Fields map[string]any
}

// WebhookEvent is one event delivered by an external provider.
type WebhookEvent struct {
	EventID string
	Index   int
	Fields  map[string]any
}

func (r CSVRow) Ref() string { return "csv:line:" + strconv.Itoa(r.Line) }

func (r APIRecord) Ref() string { return "api:index:" + strconv.Itoa(r.Index) }

func (e WebhookEvent) Ref() string {
	if e.EventID != "" {
		return "webhook:" + e.EventID
	}
	return "webhook:index:" + strconv.Itoa(e.Index)
}

func (CSVRow) isSourcePayload()       {}
func (APIRecord) isSourcePayload()    {}
func (WebhookEvent) isSourcePayload() {}
