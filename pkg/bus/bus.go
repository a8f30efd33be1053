// Package bus routes outbound messages from the rest of the application to
// whichever channel adapters are currently connected.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/waclaw/waclaw/pkg/logger"
	"github.com/waclaw/waclaw/pkg/utils"
)

// OutboundMessage is a channel-agnostic send request.
type OutboundMessage struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// SendResult reports the wire id assigned by the channel.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// SendFunc delivers one outbound message on a concrete channel.
type SendFunc func(ctx context.Context, to, content string) (string, error)

// Router is the registry of live channel adapters. Channels register on
// connect and unregister on disconnect.
type Router struct {
	mu       sync.RWMutex
	channels map[string]SendFunc
}

func NewRouter() *Router {
	return &Router{channels: map[string]SendFunc{}}
}

func (r *Router) Register(name string, send SendFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = send
	logger.InfoCF("bus", "Channel registered", map[string]any{"channel": name})
}

func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, name)
	logger.InfoCF("bus", "Channel unregistered", map[string]any{"channel": name})
}

// Send routes msg to its channel. Unknown channels fail.
func (r *Router) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	r.mu.RLock()
	send, ok := r.channels[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return SendResult{}, fmt.Errorf("channel %q not connected", msg.Channel)
	}

	corr := uuid.NewString()
	logger.DebugCF("bus", "Routing outbound message", map[string]any{
		"channel": msg.Channel,
		"to":      msg.To,
		"corr":    corr,
		"content": utils.Truncate(msg.Content, 50),
	})

	id, err := send(ctx, msg.To, msg.Content)
	if err != nil {
		logger.ErrorCF("bus", "Outbound send failed", map[string]any{
			"channel": msg.Channel,
			"corr":    corr,
			"error":   err.Error(),
		})
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}
