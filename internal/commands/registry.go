package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/metrics"
)

// Handler executes one command. payload is the raw JSON request body and
// may be empty.
type Handler func(ctx context.Context, payload json.RawMessage) Reply

// Registry holds the named command handlers shared by every transport.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	recorder ledger.Recorder
}

// NewRegistry creates an empty registry. recorder may be nil.
func NewRegistry(recorder ledger.Recorder) *Registry {
	if recorder == nil {
		recorder = ledger.Discard{}
	}
	return &Registry{
		handlers: make(map[string]Handler),
		recorder: recorder,
	}
}

// Register adds a handler.
func (r *Registry) Register(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs a command and always returns a reply. source names the
// transport the request came from.
func (r *Registry) Dispatch(ctx context.Context, name, source string, payload json.RawMessage) (reply Reply) {
	requestID := uuid.NewString()
	start := time.Now()

	handler, ok := r.Get(name)
	if !ok {
		reply = Fail(fmt.Errorf("%w: %s", ErrUnknownCommand, name))
	} else {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error().Interface("panic", p).Str("command", name).Msg("Command handler panicked")
					reply = Status{ResponseState: StateFailed, ErrorMessage: fmt.Sprintf("command %s panicked", name)}
				}
			}()
			reply = handler(ctx, payload)
		}()
	}

	elapsed := time.Since(start)
	metrics.ObserveCommand(name, strconv.Itoa(reply.Code()), elapsed)

	event := log.Info()
	if reply.Code() != StateOK {
		event = log.Warn().Str("error", reply.Message())
	}
	event.
		Str("command", name).
		Str("source", source).
		Str("request_id", requestID).
		Int("response_state", reply.Code()).
		Dur("elapsed", elapsed).
		Msg("Command executed")

	payloadMap := map[string]any{
		"name":          name,
		"responseState": reply.Code(),
	}
	if msg := reply.Message(); msg != "" {
		payloadMap["errorMessage"] = msg
	}
	if err := r.recorder.Record(ledger.EventCommand, source, subjectOf(payload), requestID, payloadMap); err != nil {
		log.Warn().Err(err).Str("command", name).Msg("Failed to record command")
	}

	return reply
}

// subjectOf extracts the device or group id a request targets, if any.
func subjectOf(payload json.RawMessage) string {
	var target struct {
		ID int64 `json:"id"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &target) != nil || target.ID == 0 {
		return ""
	}
	return strconv.FormatInt(target.ID, 10)
}

// decode unmarshals a request payload. An empty payload leaves v zeroed.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}
