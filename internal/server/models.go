package server

import (
	"time"

	"anima/internal/memory"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// RegisterRequest represents the signup payload.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents the login payload.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// ChatRequest represents one user message.
type ChatRequest struct {
	Message string `json:"message"`
}

// MemoryHit is one remembered interaction in a search or history response.
// Similarity and Score are only populated for semantic search results.
type MemoryHit struct {
	ID         string    `json:"id"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	Category   string    `json:"category,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Importance int       `json:"importance"`
	Timestamp  time.Time `json:"timestamp"`
	Similarity float64   `json:"similarity,omitempty"`
	Score      float64   `json:"score,omitempty"`
}

// MemorySearchResponse echoes the query alongside its hits.
type MemorySearchResponse struct {
	Query   string      `json:"query"`
	Mode    string      `json:"mode"`
	Results []MemoryHit `json:"results"`
}

// CleanupResponse reports how many interactions a cleanup removed.
type CleanupResponse struct {
	Deleted int `json:"deleted"`
}

// ArtifactResponse is the public view of a stored artifact. Content is only
// populated when fetching a single artifact by id.
type ArtifactResponse struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Type          string    `json:"type"`
	Path          string    `json:"path"`
	InteractionID string    `json:"interaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Content       string    `json:"content,omitempty"`
}

// UploadArtifactRequest stores a user-provided file alongside the
// agent-generated artifacts.
type UploadArtifactRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// StatusResponse is a one-page snapshot of the running assistant.
type StatusResponse struct {
	Status          string            `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	Uptime          string            `json:"uptime"`
	Models          map[string]string `json:"models"`
	Memory          memory.Stats      `json:"memory"`
	TotalTurns      int64             `json:"total_turns"`
	SuccessfulTurns int64             `json:"successful_turns"`
	FailedTurns     int64             `json:"failed_turns"`
	CacheHits       int64             `json:"cache_hits"`
	CacheMisses     int64             `json:"cache_misses"`
	TotalCost       float64           `json:"total_cost"`
	TotalTokens     int64             `json:"total_tokens"`
}
