package domain

import "time"

// User identifica al dueno de una conversacion. La gestion de credenciales vive
// fuera del gateway; aqui solo viaja la identidad que firma el token.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	AuthProvider string    `json:"auth_provider,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
