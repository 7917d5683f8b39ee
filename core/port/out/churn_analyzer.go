package out

import (
	"context"

	"churn_server/core/domain"
)

// Analyzer classifies one ticket for sentiment and topics.
// Any failure is returned as *domain.AnalysisFailedError.
type Analyzer interface {
	Analyze(ctx context.Context, in domain.AnalysisInput) (*domain.AnalysisResult, error)
}
