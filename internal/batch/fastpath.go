package batch

import (
	"strings"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

// FastPath decides which detections skip batching and go straight to risk analysis.
type FastPath struct {
	enabled   bool
	classes   map[string]bool
	threshold float64
}

func NewFastPath(enabled bool, classes []string, threshold float64) *FastPath {
	set := make(map[string]bool, len(classes))
	for _, c := range classes {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			set[c] = true
		}
	}
	return &FastPath{
		enabled:   enabled && len(set) > 0,
		classes:   set,
		threshold: threshold,
	}
}

// Matches holds when the class is configured and confidence reaches the threshold.
func (f *FastPath) Matches(d domain.Detection) bool {
	if f == nil || !f.enabled {
		return false
	}
	return f.classes[strings.ToLower(d.ObjectType)] && d.Confidence >= f.threshold
}
