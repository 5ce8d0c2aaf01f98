package domain

import "fmt"

// DefaultAcceptanceThreshold is the minimum success ratio for a dispatched batch.
const DefaultAcceptanceThreshold = 0.9

// BatchRequest fans a template message out to a recipient set, one send per recipient.
type BatchRequest struct {
	ID         string   `json:"id"`
	Template   Message  `json:"template"`
	Recipients []string `json:"recipients"`
	Preferred  string   `json:"preferredProvider,omitempty"`
}

func (r *BatchRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: batch request is required", ErrValidation)
	}
	if len(r.Recipients) == 0 {
		return fmt.Errorf("%w: batch must include at least one recipient", ErrValidation)
	}
	return nil
}

// BatchResult reports per-recipient detail plus the overall verdict of the acceptance policy.
type BatchResult struct {
	BatchID     string            `json:"batchId"`
	Success     bool              `json:"success"`
	Total       int               `json:"total"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	SuccessRate float64           `json:"successRate"`
	Threshold   float64           `json:"threshold"`
	Responses   []MessageResponse `json:"responses"`
}

// FailedRecipients lists recipients whose send failed so callers can retry only that subset.
func (r *BatchResult) FailedRecipients() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, r.Failed)
	for _, resp := range r.Responses {
		if !resp.Succeeded() {
			out = append(out, resp.Recipient)
		}
	}
	return out
}

// EvaluateBatch applies the acceptance threshold to per-item responses.
func EvaluateBatch(batchID string, responses []MessageResponse, threshold float64) *BatchResult {
	result := &BatchResult{
		BatchID:   batchID,
		Total:     len(responses),
		Threshold: threshold,
		Responses: responses,
	}
	for _, resp := range responses {
		if resp.Succeeded() {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	if result.Total > 0 {
		result.SuccessRate = float64(result.Succeeded) / float64(result.Total)
	}
	result.Success = result.Total > 0 && result.SuccessRate >= threshold
	return result
}
