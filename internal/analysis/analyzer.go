package analysis

import (
	"context"
	"fmt"
	"os"

	"github.com/99souls/memwatch/models"
)

// Analyzer produces a growth/leak report from two on-disk snapshot blobs.
// Implementations are external collaborators; the hub depends only on the
// summary fields and never parses snapshot internals itself.
type Analyzer interface {
	Analyze(ctx context.Context, beforePath, afterPath string, thresholdBytes int64) (*models.AnalysisResult, error)
}

// Func adapts a function to Analyzer.
type Func func(ctx context.Context, beforePath, afterPath string, thresholdBytes int64) (*models.AnalysisResult, error)

func (f Func) Analyze(ctx context.Context, beforePath, afterPath string, thresholdBytes int64) (*models.AnalysisResult, error) {
	return f(ctx, beforePath, afterPath, thresholdBytes)
}

// SizeDeltaAnalyzer is the built-in fallback: it judges growth purely from
// blob sizes. Coarse, but it works on any capture format and needs nothing
// beyond the filesystem.
type SizeDeltaAnalyzer struct{}

func (SizeDeltaAnalyzer) Analyze(_ context.Context, beforePath, afterPath string, thresholdBytes int64) (*models.AnalysisResult, error) {
	before, err := os.Stat(beforePath)
	if err != nil {
		return nil, fmt.Errorf("stat before snapshot: %w", err)
	}
	after, err := os.Stat(afterPath)
	if err != nil {
		return nil, fmt.Errorf("stat after snapshot: %w", err)
	}

	const mb = 1 << 20
	growth := after.Size() - before.Size()
	res := &models.AnalysisResult{
		Summary: models.AnalysisSummary{
			TotalGrowthMB:    float64(growth) / mb,
			SuspiciousGrowth: growth > thresholdBytes,
			Confidence:       0.3,
			BeforeSizeMB:     float64(before.Size()) / mb,
			AfterSizeMB:      float64(after.Size()) / mb,
		},
	}
	if res.Summary.SuspiciousGrowth {
		res.Summary.TotalLeaksMB = res.Summary.TotalGrowthMB
		res.Recommendations = append(res.Recommendations,
			fmt.Sprintf("heap grew %.1f MB between captures; inspect retained objects with a full heap diff", res.Summary.TotalGrowthMB))
	}
	return res, nil
}
