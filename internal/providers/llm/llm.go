package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yoockh/livescribe/internal/models"
)

// Classifier extracts structured nursing-record data from a transcript.
type Classifier interface {
	Classify(ctx context.Context, transcript, language string) (*models.Classification, error)
	Close() error
}

// BuildPrompt renders the classification instruction for a transcript.
func BuildPrompt(transcript, language string) string {
	cats := make([]string, 0, len(models.KnownCategories))
	for _, c := range models.KnownCategories {
		cats = append(cats, string(c))
	}

	var b strings.Builder
	b.WriteString("You classify dictated nursing records. ")
	b.WriteString("Return ONLY a JSON object, no prose, with this shape:\n")
	b.WriteString(`{"categories":[...],"extractedData":{"<category>":{...}},"confidence":0.0}`)
	b.WriteString("\nAllowed categories: ")
	b.WriteString(strings.Join(cats, ", "))
	b.WriteString("\nPayload shapes:\n")
	b.WriteString(`vital_signs: {"systolic_bp":int,"diastolic_bp":int,"pulse":int,"temperature":float,"respiratory_rate":int,"spo2":int,"measured_at":string}` + "\n")
	b.WriteString(`medication: {"entries":[{"name":string,"dose":string,"route":string,"time":string}]}` + "\n")
	b.WriteString(`observation: {"findings":[string],"severity":"normal|attention|urgent"}` + "\n")
	b.WriteString(`care_activity: {"activities":[string],"follow_up":string}` + "\n")
	b.WriteString("Omit fields that are not stated. Keep text values in the transcript language")
	if language != "" {
		b.WriteString(" (" + language + ")")
	}
	b.WriteString(".\nTranscript:\n")
	b.WriteString(transcript)
	return b.String()
}

// ParseClassification decodes a model reply, tolerating markdown code fences
// and surrounding prose. Categories absent from extractedData are kept; payloads
// for categories not listed are added to the category list.
func ParseClassification(reply string) (*models.Classification, error) {
	raw := strings.TrimSpace(reply)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")

	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in classifier reply")
	}

	var c models.Classification
	if err := json.Unmarshal([]byte(raw[start:end+1]), &c); err != nil {
		return nil, fmt.Errorf("invalid classifier reply: %w", err)
	}

	seen := make(map[models.Category]bool, len(c.Categories))
	cats := c.Categories[:0]
	for _, cat := range c.Categories {
		if !known(cat) {
			return nil, fmt.Errorf("unknown category %q", cat)
		}
		if !seen[cat] {
			seen[cat] = true
			cats = append(cats, cat)
		}
	}
	for cat := range c.Extracted {
		if !seen[cat] {
			seen[cat] = true
			cats = append(cats, cat)
		}
	}
	c.Categories = cats
	if c.Extracted == nil {
		c.Extracted = models.ExtractedData{}
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		c.Confidence = 0
	}
	return &c, nil
}

func known(c models.Category) bool {
	for _, k := range models.KnownCategories {
		if k == c {
			return true
		}
	}
	return false
}
