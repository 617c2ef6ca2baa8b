// Package analyzer calls the remote AI risk-analysis engine and normalizes
// its responses into a bounded, well-formed Result.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"

	"cityline/internal/config"
	"cityline/internal/domain"
)

// Result is a normalized risk assessment. RiskScore is always within [0,1].
type Result struct {
	Summary   string
	RiskScore float64
	Category  string
	Tags      []string
	Model     string
}

// Engine analyzes a complaint. Transport and engine failures return an error;
// malformed responses are recovered through defaulting and never surface.
type Engine interface {
	Analyze(ctx context.Context, c domain.Complaint) (Result, error)
}

// Unavailable is an Engine used when no analyzer is configured; every call
// fails with the configuration error, which the queue retries and then
// surfaces as a failed job.
type Unavailable struct {
	Err error
}

func (u Unavailable) Analyze(ctx context.Context, c domain.Complaint) (Result, error) {
	return Result{}, u.Err
}

// OpenAI is the production Engine over the OpenAI chat completion API.
type OpenAI struct {
	client *openai.Client
	cfg    config.Analyzer
	log    *slog.Logger
}

// NewOpenAI builds the engine client. The API key is read from the
// environment variable named in cfg.APIKeyEnv.
func NewOpenAI(cfg config.Analyzer, log *slog.Logger) (*OpenAI, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", keyEnv)
	}
	if log == nil {
		log = slog.Default()
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		log:    log,
	}, nil
}

// Analyze sends the complaint to the engine and normalizes the reply.
func (o *OpenAI) Analyze(ctx context.Context, c domain.Complaint) (Result, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(c)},
		},
	}
	if o.cfg.MaxTokens > 0 {
		req.MaxTokens = o.cfg.MaxTokens
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("analysis engine call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("analysis engine returned no choices")
	}
	content := resp.Choices[0].Message.Content
	res := normalize(parseResponse(content))
	res.Model = o.cfg.Model
	o.log.Debug("analysis engine response normalized",
		"complaint", c.ComplaintNumber, "risk_score", res.RiskScore, "category", res.Category)
	return res, nil
}

const systemPrompt = `You are an expert municipal complaint analyst. Assess 311 service complaints and respond ONLY with a JSON object of the form:
{"risk_score": <float 0.0-1.0>, "category": "<string>", "summary": "<1-2 sentence summary>", "tags": ["<tag>", ...]}

Risk scoring rubric:
- 0.9-1.0: critical or emergency (gas leaks, structural damage, immediate danger)
- 0.7-0.8: high priority (water outages, heat issues, traffic hazards)
- 0.4-0.6: medium priority (street conditions, sanitation issues)
- 0.0-0.3: low priority (noise complaints, minor parking violations)`

func buildPrompt(c domain.Complaint) string {
	var b strings.Builder
	b.WriteString("COMPLAINT DETAILS:\n")
	fmt.Fprintf(&b, "- Type: %s\n", c.Type)
	fmt.Fprintf(&b, "- Description: %s\n", c.Description)
	location := c.Address
	if c.Borough != "" {
		if location != "" {
			location += ", "
		}
		location += c.Borough
	}
	fmt.Fprintf(&b, "- Location: %s\n", location)
	fmt.Fprintf(&b, "- Responsible Agency: %s\n", c.Agency)
	fmt.Fprintf(&b, "- Submitted: %s\n", c.SubmittedAt)
	b.WriteString("\nAnalyze this complaint and respond with the JSON object only.")
	return b.String()
}

// parseResponse extracts the engine's JSON object from its reply. Models wrap
// JSON in markdown fences or prose often enough that this has to be tolerant;
// anything unparsable yields an empty map and the defaults take over.
func parseResponse(content string) map[string]any {
	cleaned := strings.TrimSpace(content)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) > 1 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		} else {
			cleaned = strings.Join(lines[1:], "\n")
		}
	}
	if start := strings.Index(cleaned, "{"); start >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return map[string]any{}
	}
	return parsed
}

// normalize applies the documented defaults and clamps the risk score so an
// out-of-range or missing value is never persisted raw.
func normalize(parsed map[string]any) Result {
	res := Result{
		Summary:   "Automated analysis unavailable",
		RiskScore: 0.0,
		Category:  "General",
		Tags:      []string{},
	}
	if v, ok := parsed["summary"]; ok {
		if s := strings.TrimSpace(toString(v)); s != "" {
			res.Summary = s
		}
	}
	if v, ok := parsed["risk_score"]; ok {
		if score, ok := toFloat(v); ok {
			res.RiskScore = clamp(score)
		}
	}
	if v, ok := parsed["category"]; ok {
		if s := strings.TrimSpace(toString(v)); s != "" {
			res.Category = s
		}
	}
	if v, ok := parsed["tags"]; ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if s := strings.TrimSpace(toString(item)); s != "" {
					res.Tags = append(res.Tags, s)
				}
			}
		}
	}
	return res
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, finite(f)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return 0, false
		}
		// ParseFloat accepts "NaN" and "Inf"; neither is a usable score.
		return parsed, finite(parsed)
	default:
		return 0, false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
