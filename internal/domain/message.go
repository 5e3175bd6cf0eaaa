package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message es una entrada dentro de una conversacion. El contenido es inmutable
// una vez persistido; la unica mutacion legal es el borrado logico (que redacta
// el contenido) y completar token_count/response_time al cerrar el turno.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Model          string         `json:"model,omitempty"`
	TokenCount     int            `json:"token_count"`
	ResponseTime   float64        `json:"response_time,omitempty"`
	Position       int64          `json:"position"`
	Deleted        bool           `json:"is_deleted,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ValidRole indica si el rol es uno de los cuatro soportados.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// EstimateTokens aproxima el conteo de tokens con ~4 caracteres por token.
// Es una aproximacion; cuando el proveedor reporta uso real se prefiere ese valor.
func EstimateTokens(content string) int {
	estimated := len(content) / 4
	if estimated < 1 {
		return 1
	}
	return estimated
}
