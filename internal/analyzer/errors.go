package analyzer

import "errors"

var (
	ErrAnalyzerUnavailable = errors.New("risk analyzer unavailable")
	ErrInvalidResponse     = errors.New("invalid response from risk analyzer")
	ErrEmptyRequest        = errors.New("analysis request has no detections")
)
