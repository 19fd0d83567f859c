package services

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
)

// SimilarityGuard rejects content nearly identical to something already
// delivered to the same recipient in the window.
type SimilarityGuard struct {
	DB        *gorm.DB
	Clock     clock.Clock
	Threshold float64
	// Window defaults to 24h.
	Window time.Duration
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over runes
// of the normalized texts. Two empty strings are identical.
func Similarity(a, b string) float64 {
	a, b = NormalizeContent(a), NormalizeContent(b)
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// CheckSimilarity compares content with every successful send to the
// recipient inside the window and rejects when any ratio exceeds the
// threshold.
func (g *SimilarityGuard) CheckSimilarity(ctx context.Context, recipientID, content string) (domain.Verdict, error) {
	window := g.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := clock.Millis(g.Clock.Now().Add(-window))

	recent, err := repo.ListSuccessfulSince(ctx, g.DB, recipientID, since)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("load recent messages: %w", err)
	}
	for _, r := range recent {
		if ratio := Similarity(content, r.Content); ratio > g.Threshold {
			return domain.Reject(domain.ReasonContentTooSimilar,
				fmt.Sprintf("content is %.2f similar to %s sent for order %s (threshold %.2f)", ratio, r.MessageType, r.OrderID, g.Threshold)), nil
		}
	}
	return domain.Pass(), nil
}
