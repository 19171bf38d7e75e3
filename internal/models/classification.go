package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Category names a kind of structured data extracted from a transcript.
type Category string

const (
	CategoryVitalSigns   Category = "vital_signs"
	CategoryMedication   Category = "medication"
	CategoryObservation  Category = "observation"
	CategoryCareActivity Category = "care_activity"
)

// KnownCategories lists the categories the classifier may return.
var KnownCategories = []Category{CategoryVitalSigns, CategoryMedication, CategoryObservation, CategoryCareActivity}

// CategoryData is the payload of one category. Implementations are the
// concrete types in this file only.
type CategoryData interface {
	Category() Category
	categoryData()
}

type VitalSigns struct {
	SystolicBP       *int     `json:"systolic_bp,omitempty"`
	DiastolicBP      *int     `json:"diastolic_bp,omitempty"`
	Pulse            *int     `json:"pulse,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty"`
	OxygenSaturation *int     `json:"spo2,omitempty"`
	MeasuredAt       string   `json:"measured_at,omitempty"`
}

type MedicationEntry struct {
	Name  string `json:"name"`
	Dose  string `json:"dose,omitempty"`
	Route string `json:"route,omitempty"`
	Time  string `json:"time,omitempty"`
}

type Medication struct {
	Entries []MedicationEntry `json:"entries"`
}

type Observation struct {
	Findings []string `json:"findings"`
	Severity string   `json:"severity,omitempty"` // normal|attention|urgent
}

type CareActivity struct {
	Activities []string `json:"activities"`
	FollowUp   string   `json:"follow_up,omitempty"`
}

func (VitalSigns) Category() Category   { return CategoryVitalSigns }
func (Medication) Category() Category   { return CategoryMedication }
func (Observation) Category() Category  { return CategoryObservation }
func (CareActivity) Category() Category { return CategoryCareActivity }

func (VitalSigns) categoryData()   {}
func (Medication) categoryData()   {}
func (Observation) categoryData()  {}
func (CareActivity) categoryData() {}

// ExtractedData maps each detected category to its payload. On the wire it is
// an object keyed by category name.
type ExtractedData map[Category]CategoryData

func (d ExtractedData) MarshalJSON() ([]byte, error) {
	raw := make(map[string]CategoryData, len(d))
	for k, v := range d {
		if v == nil || v.Category() != k {
			return nil, fmt.Errorf("extracted data for %q has mismatched payload", k)
		}
		raw[string(k)] = v
	}
	return json.Marshal(raw)
}

func (d *ExtractedData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(ExtractedData, len(raw))
	for k, v := range raw {
		payload, err := decodeCategoryData(Category(k), v)
		if err != nil {
			return err
		}
		out[Category(k)] = payload
	}
	*d = out
	return nil
}

func decodeCategoryData(c Category, b json.RawMessage) (CategoryData, error) {
	switch c {
	case CategoryVitalSigns:
		var v VitalSigns
		err := json.Unmarshal(b, &v)
		return v, err
	case CategoryMedication:
		var v Medication
		err := json.Unmarshal(b, &v)
		return v, err
	case CategoryObservation:
		var v Observation
		err := json.Unmarshal(b, &v)
		return v, err
	case CategoryCareActivity:
		var v CareActivity
		err := json.Unmarshal(b, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown category %q", c)
	}
}

// Classification is the result of classifying a final transcript.
type Classification struct {
	Categories []Category    `json:"categories"`
	Extracted  ExtractedData `json:"extractedData"`
	Confidence float64       `json:"confidence"`
}

// CategoryNames returns the categories as sorted strings.
func (c *Classification) CategoryNames() []string {
	out := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		out = append(out, string(cat))
	}
	sort.Strings(out)
	return out
}
