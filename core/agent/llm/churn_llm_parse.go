package llm

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"churn_server/core/domain"
)

// maxProposedTopics caps cold-start proposals.
const maxProposedTopics = 3

type analysisResponse struct {
	Sentiment *sentimentPart `json:"sentiment"`
	Topics    []topicPart    `json:"topics"`
}

type sentimentPart struct {
	Score      string          `json:"score"`
	Confidence json.RawMessage `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

type topicPart struct {
	Name       string          `json:"name"`
	Confidence json.RawMessage `json:"confidence"`
}

// ParseAnalysis validates a raw model answer against the input it was asked about.
// Sentiment problems fail the whole result. Topic problems only set TopicErr.
func ParseAnalysis(raw string, in domain.AnalysisInput) (*domain.AnalysisResult, error) {
	var resp analysisResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if resp.Sentiment == nil {
		return nil, fmt.Errorf("%w: missing sentiment", domain.ErrMalformedResponse)
	}

	sentiment, err := domain.ParseSentiment(resp.Sentiment.Score)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, resp.Sentiment.Score)
	}
	confidence, err := parseConfidence(resp.Sentiment.Confidence)
	if err != nil {
		return nil, fmt.Errorf("sentiment: %w", err)
	}

	result := &domain.AnalysisResult{
		Sentiment:           sentiment,
		SentimentConfidence: confidence,
		SentimentReasoning:  strings.TrimSpace(resp.Sentiment.Reasoning),
		Proposed:            in.ColdStart(),
	}

	topics, err := parseTopics(resp.Topics, in)
	if err != nil {
		result.TopicErr = err
		return result, nil
	}
	result.Topics = topics
	return result, nil
}

func parseTopics(parts []topicPart, in domain.AnalysisInput) ([]domain.TopicScore, error) {
	vocab := make(map[string]string, len(in.Topics))
	for _, name := range in.Topics {
		vocab[strings.ToLower(strings.TrimSpace(name))] = name
	}

	seen := make(map[string]int)
	var out []domain.TopicScore
	for _, p := range parts {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		conf, err := parseConfidence(p.Confidence)
		if err != nil {
			return nil, fmt.Errorf("topic %q: %w", name, err)
		}

		if !in.ColdStart() {
			canonical, ok := vocab[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTopic, name)
			}
			name = canonical
		}

		key := strings.ToLower(name)
		if i, dup := seen[key]; dup {
			if conf > out[i].Confidence {
				out[i].Confidence = conf
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, domain.TopicScore{Name: name, Confidence: conf})
	}

	if in.ColdStart() && len(out) > maxProposedTopics {
		out = out[:maxProposedTopics]
	}
	return out, nil
}

// parseConfidence accepts only a JSON number in [0,1]. Quoted numbers,
// nulls and missing values are rejected.
func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: missing", domain.ErrInvalidConfidence)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", domain.ErrInvalidConfidence, string(raw))
	}
	if !domain.ValidConfidence(v) {
		return 0, fmt.Errorf("%w: %v out of range", domain.ErrInvalidConfidence, v)
	}
	return v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
