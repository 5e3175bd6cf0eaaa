package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chat-gateway/internal/broadcast"
	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/llm"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/service"
	"chat-gateway/internal/tools"
)

const cliUserID = "cli-user"

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := zap.NewExample()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	conversationRepo := repository.NewPgConversationRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)
	store := service.NewConversationStore(conversationRepo, messageRepo, nil, logger)

	var provider llm.Client = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, logger)
	provider = llm.NewRetryingClient(provider, llm.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}, logger)

	var toolset []tools.Tool
	if cfg.SearchAPIKey != "" {
		toolset = append(toolset, tools.NewWebSearchTool(cfg.SearchBaseURL, cfg.SearchAPIKey, cfg.SearchMaxResults, nil))
	}
	toolRouter := tools.NewRouter(logger, toolset...)

	broadcaster := broadcast.NewBroadcaster(logger)
	defer broadcaster.Close()

	turns := service.NewTurnService(store, provider, toolRouter, broadcaster, nil, service.TurnConfig{
		Model:               cfg.LLMModel,
		ImageModel:          cfg.LLMImageModel,
		ContextWindow:       cfg.ContextWindow,
		ToolLoopMax:         cfg.ToolLoopMax,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
		MaxStreamDuration:   cfg.MaxStreamDuration,
	}, logger)

	conversation, err := pickConversation(ctx, reader, store)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("---- Chat: %s (escribe 'salir' para terminar) ----\n", conversation.Title)
	for {
		fmt.Print("Tu > ")
		text, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.EqualFold(text, "salir") || strings.EqualFold(text, "exit") {
			fmt.Println("Saliendo del chat...")
			return
		}

		if err := runTurnStreaming(ctx, turns, broadcaster, conversation.ID, text); err != nil {
			fmt.Printf("error generando respuesta: %v\n", err)
		}
	}
}

// runTurnStreaming ejecuta el turno imprimiendo los deltas en vivo.
func runTurnStreaming(ctx context.Context, turns *service.TurnService, broadcaster *broadcast.Broadcaster, conversationID, content string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, subID := broadcaster.Subscribe(turnCtx, conversationID)
	defer broadcaster.Unsubscribe(conversationID, subID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fmt.Print("Asistente > ")
		for event := range events {
			switch event.Type {
			case broadcast.EventDelta:
				fmt.Print(event.Content)
			case broadcast.EventToolStatus:
				fmt.Printf("\n[%s]\n", event.Content)
			case broadcast.EventCompleted, broadcast.EventError:
				fmt.Println()
				return
			}
		}
	}()

	_, err := turns.RunTurn(turnCtx, cliUserID, conversationID, content)
	cancel()
	<-done
	return err
}

func pickConversation(ctx context.Context, reader *bufio.Reader, store *service.ConversationStore) (domain.Conversation, error) {
	conversations, err := store.ListConversations(ctx, cliUserID, 10)
	if err != nil {
		return domain.Conversation{}, err
	}
	if len(conversations) == 0 {
		fmt.Println("No hay conversaciones. Creando una nueva.")
		return store.CreateConversation(ctx, cliUserID, "")
	}

	fmt.Println("Conversaciones disponibles:")
	for i, c := range conversations {
		fmt.Printf("[%d] %s (%d mensajes)\n", i+1, c.Title, c.MessageCount)
	}
	fmt.Println("[N] Crear nueva conversacion")
	fmt.Print("Selecciona una conversacion: ")
	choice, _ := reader.ReadString('\n')
	choice = strings.TrimSpace(choice)

	if strings.EqualFold(choice, "N") {
		return store.CreateConversation(ctx, cliUserID, "")
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(conversations) {
		fmt.Println("Seleccion invalida, creando una nueva.")
		return store.CreateConversation(ctx, cliUserID, "")
	}
	return conversations[idx-1], nil
}
