package core

// HaltReason records why a tool loop stopped.
type HaltReason string

const (
	HaltNormal                 HaltReason = "normal"
	HaltLimitReached           HaltReason = "limit_reached"
	HaltCancelled              HaltReason = "cancelled"
	HaltTimeout                HaltReason = "timeout"
	HaltRepeatedEmptyResponses HaltReason = "repeated_empty_responses"
	HaltProviderError          HaltReason = "provider_error"
)

// Abnormal reports whether the loop stopped for any reason other than the
// model finishing its answer.
func (r HaltReason) Abnormal() bool {
	return r != HaltNormal
}
