package analyzer

import (
	"reflect"
	"testing"
)

func TestParseResponsePlainJSON(t *testing.T) {
	parsed := parseResponse(`{"risk_score": 0.85, "category": "Infrastructure", "summary": "Water main break.", "tags": ["water", "urgent"]}`)
	res := normalize(parsed)
	if res.RiskScore != 0.85 {
		t.Fatalf("risk_score = %v", res.RiskScore)
	}
	if res.Category != "Infrastructure" {
		t.Fatalf("category = %q", res.Category)
	}
	if !reflect.DeepEqual(res.Tags, []string{"water", "urgent"}) {
		t.Fatalf("tags = %v", res.Tags)
	}
}

func TestParseResponseMarkdownFence(t *testing.T) {
	content := "```json\n{\"risk_score\": 0.3, \"category\": \"Noise\", \"summary\": \"Loud music.\", \"tags\": []}\n```"
	res := normalize(parseResponse(content))
	if res.RiskScore != 0.3 || res.Category != "Noise" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestParseResponseEmbeddedInProse(t *testing.T) {
	content := `Here is my assessment: {"risk_score": 0.92, "category": "Public Safety", "summary": "Gas leak reported."} Let me know if you need more.`
	res := normalize(parseResponse(content))
	if res.RiskScore != 0.92 || res.Category != "Public Safety" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNormalizeDefaultsOnGarbage(t *testing.T) {
	res := normalize(parseResponse("I could not analyze this complaint."))
	if res.RiskScore != 0.0 {
		t.Fatalf("risk_score default = %v, want 0.0", res.RiskScore)
	}
	if res.Category != "General" {
		t.Fatalf("category default = %q", res.Category)
	}
	if res.Summary == "" {
		t.Fatalf("summary default must not be empty")
	}
	if len(res.Tags) != 0 {
		t.Fatalf("tags default = %v", res.Tags)
	}
}

func TestNormalizeClampsRiskScore(t *testing.T) {
	for raw, want := range map[string]float64{
		`{"risk_score": 3.7}`:       1.0,
		`{"risk_score": -0.5}`:      0.0,
		`{"risk_score": "0.65"}`:    0.65,
		`{"risk_score": "not-a"}`:   0.0,
		`{"risk_score": [0.1,0.2]}`: 0.0,
	} {
		res := normalize(parseResponse(raw))
		if res.RiskScore != want {
			t.Errorf("normalize(%s).RiskScore = %v, want %v", raw, res.RiskScore, want)
		}
	}
}

func TestNormalizeRejectsNonFiniteRiskScore(t *testing.T) {
	// strconv.ParseFloat accepts these; a NaN must never reach the database.
	for _, raw := range []string{
		`{"risk_score": "NaN"}`,
		`{"risk_score": "nan"}`,
		`{"risk_score": "Inf"}`,
		`{"risk_score": "-Inf"}`,
		`{"risk_score": "+Infinity"}`,
	} {
		res := normalize(parseResponse(raw))
		if res.RiskScore != 0.0 {
			t.Errorf("normalize(%s).RiskScore = %v, want 0.0", raw, res.RiskScore)
		}
	}
}

func TestNormalizeSkipsBlankTags(t *testing.T) {
	res := normalize(parseResponse(`{"tags": ["water", "", "  ", "leak", 5]}`))
	if !reflect.DeepEqual(res.Tags, []string{"water", "leak", "5"}) {
		t.Fatalf("tags = %v", res.Tags)
	}
}
