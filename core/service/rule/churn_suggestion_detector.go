package rule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/pkg/logger"
)

// DetectorConfig tunes the correction detector.
type DetectorConfig struct {
	Window    time.Duration // how far back corrections are considered
	Threshold int           // distinct corrected tickets needed per pattern
	MaxTerms  int           // content terms quoted in a suggested rule
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:    30 * 24 * time.Hour,
		Threshold: 3,
		MaxTerms:  3,
	}
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	def := DefaultDetectorConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.MaxTerms <= 0 {
		c.MaxTerms = def.MaxTerms
	}
	return c
}

// PatternKey identifies a recurring correction from one topic to another.
func PatternKey(from, to uuid.UUID) string {
	return from.String() + ">" + to.String()
}

type correctionPattern struct {
	key      string
	fromName string
	toID     uuid.UUID
	toName   string
	tickets  map[uuid.UUID]*domain.Correction
}

// DetectSuggestions scans recent user corrections and proposes one
// pending_review rule per pattern that recurs on at least Threshold tickets.
// Suggestions never become active here.
func (s *Service) DetectSuggestions(ctx context.Context, tenantID uuid.UUID) ([]*domain.TrainingRule, error) {
	since := s.now().Add(-s.cfg.Window)
	corrections, err := s.topics.ListCorrections(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}

	patterns := groupCorrections(corrections)

	var created []*domain.TrainingRule
	for _, p := range patterns {
		evidence := len(p.tickets)
		if evidence < s.cfg.Threshold {
			continue
		}

		latest, err := s.rules.LatestSuggestion(ctx, tenantID, p.key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return created, fmt.Errorf("check suggestion %s: %w", p.key, err)
		case latest.Status != domain.RuleStatusRejected:
			continue
		case evidence < latest.EvidenceCount+s.cfg.Threshold:
			// rejected; wait for a fresh round of corrections
			continue
		}

		rule := &domain.TrainingRule{
			ID:            uuid.New(),
			TenantID:      tenantID,
			TopicID:       p.toID,
			TopicName:     p.toName,
			Body:          s.suggestionBody(p),
			Source:        domain.RuleSourceAI,
			Status:        domain.InitialRuleStatus(domain.RuleSourceAI),
			EvidenceCount: evidence,
			PatternKey:    p.key,
			CreatedAt:     s.now(),
		}
		if err := s.rules.Create(ctx, rule); err != nil {
			return created, fmt.Errorf("create suggestion: %w", err)
		}
		created = append(created, rule)
	}

	s.metrics.RecordSuggestions(len(created))
	logger.WithFields(map[string]any{
		"tenant_id":   tenantID,
		"corrections": len(corrections),
		"patterns":    len(patterns),
		"suggested":   len(created),
	}).Info("[SuggestionDetector] scan complete")
	return created, nil
}

// groupCorrections buckets corrections by (from, to) and counts each ticket
// once. Patterns are ordered by evidence, then key.
func groupCorrections(corrections []*domain.Correction) []*correctionPattern {
	byKey := make(map[string]*correctionPattern)
	for _, c := range corrections {
		if c.FromTopicID == c.ToTopicID {
			continue
		}
		key := PatternKey(c.FromTopicID, c.ToTopicID)
		p, ok := byKey[key]
		if !ok {
			p = &correctionPattern{
				key:      key,
				fromName: c.FromTopicName,
				toID:     c.ToTopicID,
				toName:   c.ToTopicName,
				tickets:  make(map[uuid.UUID]*domain.Correction),
			}
			byKey[key] = p
		}
		p.tickets[c.TicketID] = c
	}

	out := make([]*correctionPattern, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].tickets) != len(out[j].tickets) {
			return len(out[i].tickets) > len(out[j].tickets)
		}
		return out[i].key < out[j].key
	})
	return out
}

func (s *Service) suggestionBody(p *correctionPattern) string {
	texts := make([]string, 0, len(p.tickets))
	for _, c := range p.tickets {
		texts = append(texts, c.Subject+" "+c.Content)
	}
	terms := commonTerms(texts, s.cfg.MaxTerms, p.fromName, p.toName)

	if len(terms) == 0 {
		return fmt.Sprintf("Prefer %q over %q when a ticket could fit either.", p.toName, p.fromName)
	}
	return fmt.Sprintf("Classify tickets that mention %s as %q, not %q.", joinTerms(terms), p.toName, p.fromName)
}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "because": true, "been": true,
	"before": true, "being": true, "cannot": true, "could": true, "does": true, "doing": true,
	"dont": true, "each": true, "even": true, "from": true, "have": true, "hello": true,
	"help": true, "here": true, "into": true, "just": true, "know": true, "like": true,
	"more": true, "need": true, "only": true, "other": true, "please": true, "really": true,
	"some": true, "still": true, "subject": true, "than": true, "thank": true, "thanks": true,
	"that": true, "their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "very": true, "want": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "while": true, "will": true,
	"with": true, "would": true, "your": true, "yours": true, "regards": true, "team": true,
}

// commonTerms returns up to max words that appear in at least half of the
// texts (and in at least two), ranked by how many texts contain them.
func commonTerms(texts []string, max int, exclude ...string) []string {
	skip := make(map[string]bool)
	for _, e := range exclude {
		for _, w := range tokenize(e) {
			skip[w] = true
		}
	}

	df := make(map[string]int)
	for _, text := range texts {
		seen := make(map[string]bool)
		for _, w := range tokenize(text) {
			if seen[w] || skip[w] || stopwords[w] {
				continue
			}
			seen[w] = true
			df[w]++
		}
	}

	minDF := (len(texts) + 1) / 2
	if minDF < 2 {
		minDF = 2
	}

	var terms []string
	for w, n := range df {
		if n >= minDF {
			terms = append(terms, w)
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if df[terms[i]] != df[terms[j]] {
			return df[terms[i]] > df[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.ReplaceAll(f, "'", "")
		if len([]rune(f)) >= 4 {
			out = append(out, f)
		}
	}
	return out
}

func joinTerms(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = "\"" + t + "\""
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return strings.Join(quoted[:len(quoted)-1], ", ") + " or " + quoted[len(quoted)-1]
}
