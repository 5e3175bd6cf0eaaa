package llm

import (
	"context"
	"encoding/json"
)

// FragmentType distingue las unidades incrementales de una respuesta streameada.
type FragmentType string

const (
	FragmentTextDelta FragmentType = "text_delta"
	FragmentToolCall  FragmentType = "tool_call"
	FragmentDone      FragmentType = "done"
)

// Fragment es una unidad de la secuencia que produce Complete: un delta de
// texto, una solicitud de tool call ya completa, o el cierre con el uso total.
type Fragment struct {
	Type         FragmentType
	Delta        string
	ToolCall     *ToolCall
	Usage        *Usage
	FinishReason string
}

// ToolCall es la solicitud del proveedor de invocar una herramienta externa.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatMessage es un par rol/contenido dentro del contexto de un turno.
// ToolCalls y ToolCallID solo se usan para el intercambio tool en vivo.
type ChatMessage struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolDefinition describe una herramienta que el proveedor puede solicitar.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest agrupa el contexto y los parametros de una completion.
// Tools vacio significa que el proveedor no puede pedir tool calls.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float32
}

// CompletionStream entrega los fragments de una completion. Recv devuelve
// io.EOF despues del fragment terminal; la cancelacion del contexto que creo
// el stream corta la entrega de inmediato.
type CompletionStream interface {
	Recv() (Fragment, error)
	Close()
}

type ImageRequest struct {
	Prompt string
	Model  string
}

// ImageResult trae la referencia a la imagen generada (URL o bytes inline).
type ImageResult struct {
	URL     string
	B64JSON string
}

// Client define la interfaz hacia el proveedor remoto de lenguaje.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionStream, error)
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error)
}
