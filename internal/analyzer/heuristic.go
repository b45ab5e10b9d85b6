package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// classWeights is the base risk of seeing an object class at all.
var classWeights = map[string]int{
	"weapon":  95,
	"knife":   90,
	"fire":    90,
	"smoke":   70,
	"person":  45,
	"car":     25,
	"truck":   25,
	"bicycle": 15,
	"dog":     10,
	"cat":     5,
}

const defaultClassWeight = 20

// Heuristic is a deterministic RiskAnalyzer used in development and tests.
type Heuristic struct{}

func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Analyze scores by the riskiest class seen, plus up to 20 points for volume and
// up to 10 for the average confidence of that class.
func (h *Heuristic) Analyze(ctx context.Context, req *Request) (*Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	if req == nil || len(req.Detections) == 0 {
		return nil, ErrEmptyRequest
	}

	counts := make(map[string]int)
	confidence := make(map[string]float64)
	top, topWeight := "", -1
	for _, d := range req.Detections {
		class := strings.ToLower(d.ObjectType)
		counts[class]++
		confidence[class] += d.Confidence

		w, ok := classWeights[class]
		if !ok {
			w = defaultClassWeight
		}
		if w > topWeight {
			top, topWeight = class, w
		}
	}

	volume := len(req.Detections)
	if volume > 20 {
		volume = 20
	}
	avgConfidence := confidence[top] / float64(counts[top])
	score := topWeight + volume + int(avgConfidence*10)

	a := &Assessment{
		RiskScore: score,
		Summary:   summarize(req.CameraID, counts),
		Reasoning: fmt.Sprintf("highest risk class %q (base %d) seen %d times with mean confidence %.2f across %d detections",
			top, topWeight, counts[top], avgConfidence, len(req.Detections)),
	}
	a.Normalize()
	return a, nil
}

func summarize(cameraID string, counts map[string]int) string {
	classes := make([]string, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	parts := make([]string, 0, len(classes))
	for _, c := range classes {
		parts = append(parts, fmt.Sprintf("%d %s", counts[c], c))
	}
	return fmt.Sprintf("%s observed %s", cameraID, strings.Join(parts, ", "))
}
