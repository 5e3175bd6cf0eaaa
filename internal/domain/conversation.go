package domain

import "time"

// Conversation agrupa los mensajes de un usuario y mantiene contadores agregados.
// Los contadores se actualizan de forma incremental en cada append; el camino de
// reparacion explicito (Reconcile) es el unico que los recalcula.
type Conversation struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Title        string         `json:"title"`
	MessageCount int            `json:"message_count"`
	TotalTokens  int            `json:"total_tokens"`
	LastActivity time.Time      `json:"last_activity"`
	Archived     bool           `json:"is_archived"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
