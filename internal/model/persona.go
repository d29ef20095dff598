package model

// Persona is a read-only assistant character.
type Persona struct {
	ID           string `json:"id"            yaml:"id"`
	Name         string `json:"name"          yaml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	// Fallback replaces answers that fail the quality gate twice.
	Fallback string `json:"fallback"      yaml:"fallback"`
	// FollowUp is appended to answers that do not already ask a question.
	FollowUp string `json:"follow_up"     yaml:"follow_up"`
}
