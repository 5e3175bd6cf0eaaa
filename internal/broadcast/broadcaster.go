package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriberBufferSize es el buffer por suscriptor; un suscriptor lento pierde
// eventos en vez de bloquear al resto.
const subscriberBufferSize = 64

type EventType string

const (
	EventDelta      EventType = "delta"
	EventToolStatus EventType = "tool_status"
	EventCompleted  EventType = "completed"
	EventError      EventType = "error"
)

// Event es una unidad del stream en vivo de una conversacion.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Broadcaster hace fan-out en memoria de eventos de turno hacia todos los
// suscriptores de una conversacion. La entrega es best-effort: no hay replay,
// quien se conecta tarde recupera el historial via el store.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event
	logger      *zap.Logger
	closed      bool
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger,
	}
}

// Subscribe registra un suscriptor para la conversacion y devuelve su canal y
// el id de suscripcion. La suscripcion se limpia sola cuando ctx termina.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan Event, string) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish entrega el evento a todos los suscriptores actuales de la
// conversacion sin bloquear: si el buffer de un suscriptor esta lleno, ese
// suscriptor pierde el evento. El envio ocurre bajo el read lock: Unsubscribe
// y Close cierran canales bajo el write lock, asi nunca se cierra un canal con
// un envio en vuelo. Los envios no bloquean, el lock se suelta enseguida.
func (b *Broadcaster) Publish(conversationID string, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.ConversationID = conversationID

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[conversationID] {
		select {
		case ch <- event:
		default:
			if b.logger != nil {
				b.logger.Debug("dropped event for slow subscriber",
					zap.String("conversation_id", conversationID),
					zap.String("event_type", string(event.Type)),
				)
			}
		}
	}
}

// Unsubscribe quita la suscripcion y cierra su canal. Es idempotente.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}
}

// Close cierra todos los canales y deja el broadcaster inutilizable.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conversationID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, conversationID)
	}
	b.closed = true
}
