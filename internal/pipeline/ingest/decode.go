package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/dvloznov/finance-etl/internal/domain"
	"golang.org/x/text/encoding/charmap"
)

// Decoded is the output of a decoder: payloads that are structurally sound
// plus rejections for records that could not even be read.
type Decoded struct {
	Payloads   []domain.SourcePayload
	Rejections []domain.Rejection
}

// CSVOptions controls file decoding.
type CSVOptions struct {
	// LegacyFallback decodes non-UTF-8 files as Windows-1251.
	LegacyFallback bool
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeCSV reads a delimited file with a header row. Rows with the wrong
// number of fields or undecodable bytes are rejected individually.
func DecodeCSV(r io.Reader, opts CSVOptions) (Decoded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Decoded{}, fmt.Errorf("DecodeCSV: reading input: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	if !utf8.Valid(data) && opts.LegacyFallback {
		decoded, err := charmap.Windows1251.NewDecoder().Bytes(data)
		if err != nil {
			return Decoded{}, fmt.Errorf("DecodeCSV: decoding windows-1251: %w", err)
		}
		data = decoded
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = detectDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Decoded{}, nil
		}
		return Decoded{}, fmt.Errorf("DecodeCSV: reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var out Decoded
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.StartLine
			}
			out.Rejections = append(out.Rejections, domain.IngestRejection(
				domain.CSVRow{Line: line}.Ref(), "malformed row: "+err.Error()))
			continue
		}
		line, _ := reader.FieldPos(0)
		ref := domain.CSVRow{Line: line}.Ref()
		if isBlank(fields) {
			continue
		}
		if len(fields) != len(header) {
			out.Rejections = append(out.Rejections, domain.IngestRejection(ref,
				fmt.Sprintf("malformed row: %d fields, header has %d", len(fields), len(header))))
			continue
		}
		if !validUTF8(fields) {
			out.Rejections = append(out.Rejections, domain.IngestRejection(ref, "unreadable encoding"))
			continue
		}

		cols := make(map[string]string, len(header))
		for i, name := range header {
			cols[name] = strings.TrimSpace(fields[i])
		}
		out.Payloads = append(out.Payloads, domain.CSVRow{Line: line, Columns: cols})
	}
	return out, nil
}

// detectDelimiter picks the most frequent of ';', ',' and tab on the header line.
func detectDelimiter(data []byte) rune {
	first, _, _ := bufio.NewReader(bytes.NewReader(data)).ReadLine()
	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '\t'} {
		if n := bytes.Count(first, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func isBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func validUTF8(fields []string) bool {
	for _, f := range fields {
		if !utf8.ValidString(f) {
			return false
		}
	}
	return true
}

// DecodeAPIBody accepts a JSON list of records or an object wrapping one
// under "data", "transactions" or "result.transactions".
func DecodeAPIBody(body []byte) (Decoded, error) {
	items, err := unwrapList(body)
	if err != nil {
		return Decoded{}, fmt.Errorf("DecodeAPIBody: %w", err)
	}

	var out Decoded
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			out.Rejections = append(out.Rejections, domain.IngestRejection(
				domain.APIRecord{Index: i}.Ref(), fmt.Sprintf("malformed record: %T, want object", item)))
			continue
		}
		out.Payloads = append(out.Payloads, domain.APIRecord{Index: i, Fields: fields})
	}
	return out, nil
}

// DecodeWebhook accepts a single event object or {"events": [...]}. An
// event's record fields are read from "data" when present.
func DecodeWebhook(body []byte) (Decoded, error) {
	var root any
	if err := decodeJSON(body, &root); err != nil {
		return Decoded{}, fmt.Errorf("DecodeWebhook: %w", err)
	}

	var events []any
	switch v := root.(type) {
	case map[string]any:
		if list, ok := v["events"].([]any); ok {
			events = list
		} else {
			events = []any{v}
		}
	case []any:
		events = v
	default:
		return Decoded{}, fmt.Errorf("DecodeWebhook: body is %T, want object or array", root)
	}

	var out Decoded
	for i, item := range events {
		obj, ok := item.(map[string]any)
		if !ok {
			out.Rejections = append(out.Rejections, domain.IngestRejection(
				domain.WebhookEvent{Index: i}.Ref(), fmt.Sprintf("malformed event: %T, want object", item)))
			continue
		}
		ev := domain.WebhookEvent{Index: i, Fields: obj}
		if id, ok := obj["id"]; ok {
			ev.EventID = stringify(id)
		}
		if data, ok := obj["data"].(map[string]any); ok {
			ev.Fields = data
		}
		out.Payloads = append(out.Payloads, ev)
	}
	return out, nil
}

func unwrapList(body []byte) ([]any, error) {
	var root any
	if err := decodeJSON(body, &root); err != nil {
		return nil, err
	}
	switch v := root.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range []string{"data", "transactions"} {
			if list, ok := v[key].([]any); ok {
				return list, nil
			}
		}
		if result, ok := v["result"].(map[string]any); ok {
			if list, ok := result["transactions"].([]any); ok {
				return list, nil
			}
		}
		return nil, errors.New("no transaction list found (want array, data, transactions or result.transactions)")
	}
	return nil, fmt.Errorf("body is %T, want array or object", root)
}

// decodeJSON keeps numbers as json.Number so amounts are not rounded
// through float64.
func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
