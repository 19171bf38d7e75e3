package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractedDataDecodesByCategory(t *testing.T) {
	in := `{"vital_signs":{"systolic_bp":120,"diastolic_bp":80,"temperature":36.8},
	        "medication":{"entries":[{"name":"アセトアミノフェン","dose":"500mg"}]}}`

	var d ExtractedData
	if err := json.Unmarshal([]byte(in), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	vs, ok := d[CategoryVitalSigns].(VitalSigns)
	if !ok {
		t.Fatalf("vital_signs decoded as %T", d[CategoryVitalSigns])
	}
	if vs.SystolicBP == nil || *vs.SystolicBP != 120 || vs.Temperature == nil || *vs.Temperature != 36.8 {
		t.Errorf("unexpected vitals %+v", vs)
	}

	med, ok := d[CategoryMedication].(Medication)
	if !ok || len(med.Entries) != 1 || med.Entries[0].Dose != "500mg" {
		t.Errorf("unexpected medication %+v", d[CategoryMedication])
	}
}

func TestExtractedDataRejectsUnknownCategory(t *testing.T) {
	var d ExtractedData
	err := json.Unmarshal([]byte(`{"horoscope":{}}`), &d)
	if err == nil || !strings.Contains(err.Error(), "unknown category") {
		t.Fatalf("expected unknown category error, got %v", err)
	}
}

func TestExtractedDataRejectsMismatchedPayload(t *testing.T) {
	d := ExtractedData{CategoryMedication: Observation{Findings: []string{"x"}}}
	if _, err := json.Marshal(d); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{SessionCompleted, SessionCancelled, SessionTimeout, SessionError} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []string{SessionActive, SessionPaused, SessionIdle, SessionCompleting} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
