package api

// ErrorResponse is the JSON error envelope used by every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// MemoryCreateRequest is the payload for manually added memories.
type MemoryCreateRequest struct {
	Content string `json:"content" validate:"required"`
}

// PromptMemoriesResponse carries the prompt injection set and its cache
// version.
type PromptMemoriesResponse struct {
	Memories []string `json:"memories"`
	Version  string   `json:"version"`
}

// PersonCreateRequest is the payload for enrolling a new person.
type PersonCreateRequest struct {
	Name string `json:"name" validate:"required"`
}

// PostprocessResponse acknowledges an accepted post-processing upload.
type PostprocessResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}
