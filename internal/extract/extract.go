// Package extract reads transaction rows out of PDF bank statements with a
// Gemini model. It only transcribes rows; categorization is left to the
// Transform stage.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// DefaultModelName is the model used when none is configured.
const DefaultModelName = "gemini-2.5-flash"

const statementPrompt = "You are a bank statement transcriber.\n\n" +
	"Task:\n" +
	"- Read ALL transaction rows in the attached PDF statement.\n" +
	"- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n" +
	"- Output a JSON array of objects, one per printed row, in statement order.\n\n" +
	"Each object must have these fields:\n" +
	"- \"date\": string, exactly as printed\n" +
	"- \"description\": string, exactly as printed\n" +
	"- \"amount\": string, signed, positive for money IN and negative for money OUT\n" +
	"- \"merchant\": string or null, the counterparty when it is printed separately\n" +
	"- \"currency\": string or null\n" +
	"- \"balance_after\": string or null\n\n" +
	"Rules:\n" +
	"- If the statement has separate \"paid out\" / \"paid in\" columns, convert to a single signed \"amount\".\n" +
	"- Do not invent rows, totals or categories.\n\n" +
	"Return ONLY valid raw JSON.\n" +
	"Do NOT wrap the response in code fences.\n" +
	"Output must begin with \"[\" and end with \"]\".\n"

// Generator is the part of the genai client used here. *genai.Models
// satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Extractor implements pipeline.StatementExtractor.
type Extractor struct {
	gen   Generator
	model string
}

// New creates an Extractor backed by a genai client configured from the
// environment (GOOGLE_API_KEY or Vertex AI settings).
func New(ctx context.Context, model string) (*Extractor, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("New: create genai client: %w", err)
	}
	return NewWithGenerator(client.Models, model), nil
}

// NewWithGenerator creates an Extractor over gen.
func NewWithGenerator(gen Generator, model string) *Extractor {
	if model == "" {
		model = DefaultModelName
	}
	return &Extractor{gen: gen, model: model}
}

// ExtractRows sends the PDF to the model and returns one record per row.
func (e *Extractor) ExtractRows(ctx context.Context, pdfBytes []byte) ([]domain.APIRecord, error) {
	if len(pdfBytes) == 0 {
		return nil, errors.New("ExtractRows: empty document")
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: statementPrompt},
				{
					InlineData: &genai.Blob{
						MIMEType: "application/pdf",
						Data:     pdfBytes,
					},
				},
			},
		},
	}

	resp, err := e.gen.GenerateContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("ExtractRows: generate content: %w", err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, errors.New("ExtractRows: empty response from model")
	}

	rows, err := ParseRows(rawText)
	if err != nil {
		return nil, fmt.Errorf("ExtractRows: %w", err)
	}
	return rows, nil
}

// ParseRows decodes model output into records. Elements that are not
// objects become empty records so the normalizer rejects them by index.
func ParseRows(raw string) ([]domain.APIRecord, error) {
	clean := cleanModelJSON(raw)

	dec := json.NewDecoder(bytes.NewReader([]byte(clean)))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("ParseRows: unmarshal JSON: %w", err)
	}

	out := make([]domain.APIRecord, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			fields = map[string]any{}
		}
		out = append(out, domain.APIRecord{Index: i, Fields: fields})
	}
	return out, nil
}

// cleanModelJSON strips Markdown fences and any text around the JSON array.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		idx := strings.Index(s, "\n")
		if idx == -1 {
			return s
		}
		s = strings.TrimSpace(s[idx+1:])
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}
