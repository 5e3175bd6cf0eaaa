package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-gateway/internal/broadcast"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/llm"
	"chat-gateway/internal/tools"
)

var (
	ErrTurnRateLimited      = errors.New("turn rate limited")
	ErrConversationArchived = errors.New("conversation archived")
)

// apologyContent es la respuesta que se persiste cuando el proveedor fallo de
// forma definitiva; el turno cierra degradado en vez de dejar al usuario sin
// respuesta.
const apologyContent = "I apologize, but I'm having trouble generating a response right now. Please try again."

type turnState string

const (
	turnIdle             turnState = "idle"
	turnContextAssembled turnState = "context_assembled"
	turnAwaitingProvider turnState = "awaiting_provider"
	turnToolRequested    turnState = "tool_requested"
	turnToolExecuted     turnState = "tool_executed"
	turnStreaming        turnState = "streaming"
	turnFinalizing       turnState = "finalizing"
	turnComplete         turnState = "complete"
	turnFailed           turnState = "failed"
)

// TurnConfig controla el armado de contexto y el ciclo de herramientas.
type TurnConfig struct {
	Model               string
	ImageModel          string
	ContextWindow       int
	ToolLoopMax         int
	MaxCompletionTokens int
	Temperature         float32
	MaxStreamDuration   time.Duration
}

func (c TurnConfig) withDefaults() TurnConfig {
	if c.ContextWindow <= 0 {
		c.ContextWindow = 10
	}
	if c.ToolLoopMax <= 0 {
		c.ToolLoopMax = 1
	}
	if c.MaxCompletionTokens <= 0 {
		c.MaxCompletionTokens = 2000
	}
	if c.MaxStreamDuration <= 0 {
		c.MaxStreamDuration = 2 * time.Minute
	}
	return c
}

// TurnService orquesta un turno completo: persiste el mensaje del usuario,
// arma la ventana de contexto, pide la completion streameada, ejecuta el ciclo
// de herramientas y cierra persistiendo la respuesta. Los turnos de una misma
// conversacion se serializan con un mutex por conversacion.
type TurnService struct {
	store       *ConversationStore
	provider    llm.Client
	router      *tools.Router
	broadcaster *broadcast.Broadcaster
	limiter     TurnRateLimiter
	cfg         TurnConfig
	logger      *zap.Logger

	mu    sync.Mutex
	locks map[string]*conversationLock
}

// conversationLock serializa turnos de una conversacion; refs cuenta los
// tenedores y espera actuales para poder evacuar la entrada del mapa cuando la
// conversacion queda ociosa.
type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func NewTurnService(
	store *ConversationStore,
	provider llm.Client,
	router *tools.Router,
	broadcaster *broadcast.Broadcaster,
	limiter TurnRateLimiter,
	cfg TurnConfig,
	logger *zap.Logger,
) *TurnService {
	return &TurnService{
		store:       store,
		provider:    provider,
		router:      router,
		broadcaster: broadcaster,
		limiter:     limiter,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		locks:       make(map[string]*conversationLock),
	}
}

func (s *TurnService) lockConversation(conversationID string) *conversationLock {
	s.mu.Lock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &conversationLock{}
		s.locks[conversationID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// unlockConversation suelta el lock y elimina la entrada si nadie mas la
// tiene o la espera, asi el mapa no acumula una entrada por cada conversacion
// que alguna vez tuvo un turno.
func (s *TurnService) unlockConversation(conversationID string, lock *conversationLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, conversationID)
	}
	s.mu.Unlock()
}

// RunTurn ejecuta un turno y devuelve el mensaje del asistente persistido.
// El mensaje del usuario se persiste antes de llamar al proveedor y sobrevive
// a cualquier fallo posterior. Un fallo definitivo del proveedor cierra el
// turno con la disculpa; la desconexion del cliente aborta sin persistir
// respuesta parcial.
func (s *TurnService) RunTurn(ctx context.Context, userID, conversationID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len(content) > maxContentLength {
		return domain.Message{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, maxContentLength)
	}
	if s.limiter != nil && !s.limiter.Allow(userID) {
		return domain.Message{}, ErrTurnRateLimited
	}

	conversation, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if conversation.Archived {
		return domain.Message{}, ErrConversationArchived
	}

	lock := s.lockConversation(conversationID)
	defer s.unlockConversation(conversationID, lock)

	startedAt := time.Now()
	state := turnIdle

	// El mensaje del usuario queda durable antes de tocar al proveedor; la
	// ventana de contexto lo trae como ultima entrada.
	if _, err := s.store.AppendMessage(ctx, domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        content,
	}); err != nil {
		return domain.Message{}, err
	}
	history, err := s.store.RecentMessages(ctx, conversationID, s.cfg.ContextWindow)
	if err != nil {
		return domain.Message{}, err
	}
	messages := buildContext(history)
	s.transition(&state, turnContextAssembled, conversationID)

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxStreamDuration)
	defer cancel()

	var (
		finalText    strings.Builder
		usage        *llm.Usage
		toolMessages []domain.Message
		toolIters    int
	)

	for {
		req := llm.CompletionRequest{
			Model:       s.cfg.Model,
			Messages:    messages,
			MaxTokens:   s.cfg.MaxCompletionTokens,
			Temperature: s.cfg.Temperature,
		}
		// Las herramientas se ofrecen solo mientras quede presupuesto de
		// iteraciones; la llamada final va sin tools para forzar texto.
		if s.router.HasTools() && toolIters < s.cfg.ToolLoopMax {
			req.Tools = s.router.Definitions()
		}

		s.transition(&state, turnAwaitingProvider, conversationID)
		stream, err := s.provider.Complete(turnCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Message{}, ctx.Err()
			}
			s.transition(&state, turnFailed, conversationID)
			return s.failTurn(ctx, conversationID, startedAt, err)
		}

		s.transition(&state, turnStreaming, conversationID)
		toolCall, streamUsage, err := s.consumeStream(conversationID, stream, &finalText)
		stream.Close()
		if err != nil {
			// Cliente desconectado: se descarta el parcial sin persistir.
			if ctx.Err() != nil {
				return domain.Message{}, ctx.Err()
			}
			// Tope de duracion del stream: el turno cierra como fallido.
			s.transition(&state, turnFailed, conversationID)
			return s.failTurn(ctx, conversationID, startedAt, err)
		}
		if streamUsage != nil {
			usage = streamUsage
		}

		if toolCall != nil && toolIters < s.cfg.ToolLoopMax {
			s.transition(&state, turnToolRequested, conversationID)
			toolIters++

			toolMessage, exchange := s.runTool(turnCtx, conversationID, *toolCall)
			if ctx.Err() != nil {
				return domain.Message{}, ctx.Err()
			}
			s.transition(&state, turnToolExecuted, conversationID)
			toolMessages = append(toolMessages, toolMessage)
			messages = append(messages, exchange...)
			continue
		}
		break
	}

	if strings.TrimSpace(finalText.String()) == "" {
		s.transition(&state, turnFailed, conversationID)
		return s.failTurn(ctx, conversationID, startedAt, errors.New("provider returned empty response"))
	}

	s.transition(&state, turnFinalizing, conversationID)
	assistant, err := s.finalizeTurn(ctx, conversationID, finalText.String(), usage, toolMessages, startedAt)
	if err != nil {
		s.transition(&state, turnFailed, conversationID)
		return domain.Message{}, err
	}
	s.transition(&state, turnComplete, conversationID)

	if s.logger != nil {
		s.logger.Info("turn completed",
			zap.String("conversation_id", conversationID),
			zap.Int("tool_iterations", toolIters),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
	}
	return assistant, nil
}

// consumeStream drena el stream acumulando texto y detectando a lo sumo una
// solicitud de tool call. Devuelve el uso reportado en el fragment terminal.
func (s *TurnService) consumeStream(conversationID string, stream llm.CompletionStream, text *strings.Builder) (*llm.ToolCall, *llm.Usage, error) {
	var (
		toolCall *llm.ToolCall
		usage    *llm.Usage
	)
	for {
		fragment, err := stream.Recv()
		if err == io.EOF {
			return toolCall, usage, nil
		}
		if err != nil {
			return nil, nil, err
		}

		switch fragment.Type {
		case llm.FragmentTextDelta:
			text.WriteString(fragment.Delta)
			s.publish(conversationID, broadcast.Event{
				Type:    broadcast.EventDelta,
				Content: fragment.Delta,
			})
		case llm.FragmentToolCall:
			if call, ok := s.router.ShouldInvoke(fragment); ok {
				toolCall = call
			}
		case llm.FragmentDone:
			if fragment.Usage != nil {
				usage = fragment.Usage
			}
		}
	}
}

// runTool ejecuta la herramienta solicitada y arma tanto el mensaje tool a
// persistir como el intercambio que se suma al contexto de la llamada
// siguiente. Un fallo de herramienta no aborta el turno: el resultado es el
// error serializado y el proveedor decide como seguir.
func (s *TurnService) runTool(ctx context.Context, conversationID string, call llm.ToolCall) (domain.Message, []llm.ChatMessage) {
	s.publish(conversationID, broadcast.Event{
		Type:    broadcast.EventToolStatus,
		Content: call.Name + ":running",
	})

	result, err := s.router.Invoke(ctx, call)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("tool failed, degrading to error result",
				zap.String("conversation_id", conversationID),
				zap.String("tool", call.Name),
				zap.Error(err),
			)
		}
		encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
		result = string(encoded)
	}

	s.publish(conversationID, broadcast.Event{
		Type:    broadcast.EventToolStatus,
		Content: call.Name + ":done",
	})

	toolMessage := domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleTool,
		Content:        result,
		Metadata: map[string]any{
			"tool_call_id": call.ID,
			"tool_name":    call.Name,
		},
	}
	exchange := []llm.ChatMessage{
		{
			Role:      domain.RoleAssistant,
			ToolCalls: []llm.ToolCall{call},
		},
		{
			Role:       domain.RoleTool,
			Content:    result,
			Name:       call.Name,
			ToolCallID: call.ID,
		},
	}
	return toolMessage, exchange
}

// finalizeTurn persiste lo que resta del turno en orden: resultados de
// herramientas y luego el asistente. El mensaje del usuario ya esta en disco,
// asi el orden final queda usuario, tool, asistente.
func (s *TurnService) finalizeTurn(
	ctx context.Context,
	conversationID, assistantContent string,
	usage *llm.Usage,
	toolMessages []domain.Message,
	startedAt time.Time,
) (domain.Message, error) {
	for _, toolMessage := range toolMessages {
		if _, err := s.store.AppendMessage(ctx, toolMessage); err != nil {
			return domain.Message{}, err
		}
	}

	tokenCount := domain.EstimateTokens(assistantContent)
	if usage != nil && usage.CompletionTokens > 0 {
		tokenCount = usage.CompletionTokens
	}
	assistant, err := s.store.AppendMessage(ctx, domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        assistantContent,
		Model:          s.cfg.Model,
		TokenCount:     tokenCount,
		ResponseTime:   time.Since(startedAt).Seconds(),
	})
	if err != nil {
		return domain.Message{}, err
	}

	s.publish(conversationID, broadcast.Event{
		Type:      broadcast.EventCompleted,
		MessageID: assistant.ID,
	})
	return assistant, nil
}

// failTurn cierra el turno degradado persistiendo la disculpa del asistente.
// El error original no llega al caller: queda en el log y en el metadata del
// mensaje; para el cliente el turno termina normal.
func (s *TurnService) failTurn(ctx context.Context, conversationID string, startedAt time.Time, cause error) (domain.Message, error) {
	if s.logger != nil {
		s.logger.Error("turn failed, closing with apology",
			zap.String("conversation_id", conversationID),
			zap.Error(cause),
		)
	}
	s.publish(conversationID, broadcast.Event{
		Type:    broadcast.EventError,
		Content: "assistant unavailable",
	})

	assistant, err := s.store.AppendMessage(ctx, domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        apologyContent,
		Model:          s.cfg.Model,
		ResponseTime:   time.Since(startedAt).Seconds(),
		Metadata:       map[string]any{"error": true},
	})
	if err != nil {
		return domain.Message{}, err
	}

	s.publish(conversationID, broadcast.Event{
		Type:      broadcast.EventCompleted,
		MessageID: assistant.ID,
	})
	return assistant, nil
}

// GenerateImage pide una imagen al proveedor y la persiste como mensaje del
// asistente con la referencia en el metadata.
func (s *TurnService) GenerateImage(ctx context.Context, userID, conversationID, prompt string) (domain.Message, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return domain.Message{}, fmt.Errorf("%w: empty prompt", ErrInvalidInput)
	}
	if s.limiter != nil && !s.limiter.Allow(userID) {
		return domain.Message{}, ErrTurnRateLimited
	}
	conversation, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if conversation.Archived {
		return domain.Message{}, ErrConversationArchived
	}

	lock := s.lockConversation(conversationID)
	defer s.unlockConversation(conversationID, lock)

	startedAt := time.Now()
	result, err := s.provider.GenerateImage(ctx, llm.ImageRequest{
		Prompt: prompt,
		Model:  s.cfg.ImageModel,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("generate image: %w", err)
	}

	metadata := map[string]any{
		"type":   "image",
		"prompt": prompt,
	}
	if result.URL != "" {
		metadata["url"] = result.URL
	}
	if result.B64JSON != "" {
		metadata["b64_json"] = result.B64JSON
	}

	if _, err := s.store.AppendMessage(ctx, domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        prompt,
	}); err != nil {
		return domain.Message{}, err
	}
	assistant, err := s.store.AppendMessage(ctx, domain.Message{
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        "Generated image for: " + prompt,
		Model:          s.cfg.ImageModel,
		ResponseTime:   time.Since(startedAt).Seconds(),
		Metadata:       metadata,
	})
	if err != nil {
		return domain.Message{}, err
	}

	s.publish(conversationID, broadcast.Event{
		Type:      broadcast.EventCompleted,
		MessageID: assistant.ID,
	})
	return assistant, nil
}

func (s *TurnService) transition(state *turnState, next turnState, conversationID string) {
	*state = next
	if s.logger != nil {
		s.logger.Debug("turn state",
			zap.String("conversation_id", conversationID),
			zap.String("state", string(next)),
		)
	}
}

func (s *TurnService) publish(conversationID string, event broadcast.Event) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(conversationID, event)
	}
}

// buildContext convierte la ventana reciente en mensajes para el proveedor.
// El mensaje recien persistido del usuario viene como ultima entrada de la
// ventana. Los resultados historicos de herramientas se degradan a notas de
// sistema: fuera del intercambio en vivo el proveedor no acepta mensajes tool
// sueltos.
func buildContext(history []domain.Message) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case domain.RoleTool:
			toolName := "tool"
			if name, ok := msg.Metadata["tool_name"].(string); ok && name != "" {
				toolName = name
			}
			messages = append(messages, llm.ChatMessage{
				Role:    domain.RoleSystem,
				Content: fmt.Sprintf("Tool result (%s): %s", toolName, msg.Content),
			})
		default:
			messages = append(messages, llm.ChatMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return messages
}
