package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cptcr/pegasus-sub001/internal/domain/enums"
)

const sendTimeout = 10 * time.Second

type Event struct {
	Kind     enums.EventKind
	EntityID string
	ActorID  string
	Details  map[string]string
}

type MessageSender interface {
	SendMessage(ctx context.Context, channelID, content string) (string, error)
}

// Dispatcher fans workflow events out to the configured log channels.
// Sends are fire-and-forget: a dead destination is logged and never
// blocks the other destinations or the transition that published.
type Dispatcher struct {
	sender       MessageSender
	destinations []string
	logger       *zap.Logger
	wg           sync.WaitGroup
}

func NewDispatcher(sender MessageSender, destinations []string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:       sender,
		destinations: destinations,
		logger:       logger,
	}
}

func (d *Dispatcher) Publish(e Event) {
	if d.sender == nil || len(d.destinations) == 0 {
		return
	}

	content := formatEvent(e)
	for _, dest := range d.destinations {
		dest := dest
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			if _, err := d.sender.SendMessage(ctx, dest, content); err != nil {
				d.logger.Warn("notification delivery failed",
					zap.String("destination", dest),
					zap.String("kind", string(e.Kind)),
					zap.Error(err))
			}
		}()
	}
}

// Flush waits for in-flight sends; used on shutdown and in tests.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

func formatEvent(e Event) string {
	lines := []string{
		fmt.Sprintf("[%s] entity=%s actor=%s", e.Kind, e.EntityID, e.ActorID),
	}

	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, e.Details[k]))
	}

	return strings.Join(lines, "\n")
}
