package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"parley-backend/internal/models"
)

// ConversationUpdatesChannel carries conversation_updated events to the
// websocket hub.
const ConversationUpdatesChannel = "conversation_updates"

const newTitleLimit = 50

// Narrow store interfaces so the relay can be exercised against fakes. Not
// found is reported as pgx.ErrNoRows, matching the Postgres repositories.
type conversationStore interface {
	Create(ctx context.Context, title, model string) (*models.Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	TouchModifiedAt(ctx context.Context, id uuid.UUID) error
}

type messageStore interface {
	Create(ctx context.Context, m *models.Message) error
}

type modelConfigStore interface {
	GetByKey(ctx context.Context, key string) (*models.ModelConfig, error)
}

type tokenProvider interface {
	Token(ctx context.Context, mc *models.ModelConfig) (string, error)
}

type upstreamStreamer interface {
	Stream(ctx context.Context, sr StreamRequest) (<-chan Fragment, error)
}

// EventSink delivers one encoded event to the chat client. A write error
// means the client is gone.
type EventSink func(event any) error

// RelayRequest is one validated inbound chat turn.
type RelayRequest struct {
	ConversationID *uuid.UUID
	Text           string
	Model          string
}

// relayState names the stages of one chat turn. Done and Failed are the only
// terminals, and each path reaches exactly one of them.
type relayState int

const (
	stateResolvingConversation relayState = iota
	stateResolvingModel
	stateAuthenticating
	stateStreaming
	stateFinalizing
	stateDone
	stateFailed
)

// StreamRelay drives a chat turn: conversation resolution, model config and
// credential lookup, upstream streaming, client forwarding, and transcript
// persistence. All configuration is injected at construction; concurrent
// turns share nothing mutable.
type StreamRelay struct {
	conversations conversationStore
	messages      messageStore
	modelConfigs  modelConfigStore
	credentials   tokenProvider
	upstream      upstreamStreamer

	defaultDeploymentURL string
	redis                *redis.Client // optional; nil disables update publishing
}

func NewStreamRelay(
	conversations conversationStore,
	messages messageStore,
	modelConfigs modelConfigStore,
	credentials tokenProvider,
	upstream upstreamStreamer,
	defaultDeploymentURL string,
	redisClient *redis.Client,
) *StreamRelay {
	return &StreamRelay{
		conversations:        conversations,
		messages:             messages,
		modelConfigs:         modelConfigs,
		credentials:          credentials,
		upstream:             upstream,
		defaultDeploymentURL: defaultDeploymentURL,
		redis:                redisClient,
	}
}

// turn carries one request through the relay states.
type turn struct {
	req  RelayRequest
	emit EventSink

	conversation *models.Conversation
	userMsg      *models.Message
	modelKey     string
	modelConfig  *models.ModelConfig
	token        string

	reply      strings.Builder
	streamErr  *RelayError // mid-stream failure; the partial reply is still persisted
	failure    *RelayError
	clientGone bool
}

// Run drives one chat turn through the state machine. Exactly one terminal
// event reaches the client on every path, unless the client disconnected
// first.
func (r *StreamRelay) Run(ctx context.Context, req RelayRequest, emit EventSink) {
	t := &turn{req: req, emit: emit}

	state := stateResolvingConversation
	for {
		switch state {
		case stateResolvingConversation:
			state = r.resolveConversation(ctx, t)
		case stateResolvingModel:
			state = r.resolveModel(ctx, t)
		case stateAuthenticating:
			state = r.authenticate(ctx, t)
		case stateStreaming:
			state = r.stream(ctx, t)
		case stateFinalizing:
			state = r.finalize(ctx, t)
		case stateDone:
			return
		case stateFailed:
			r.fail(t)
			return
		}
	}
}

// resolveConversation loads or lazily creates the conversation, then stores
// the user message so the input survives any later failure.
func (r *StreamRelay) resolveConversation(ctx context.Context, t *turn) relayState {
	if t.req.ConversationID != nil {
		conv, err := r.conversations.GetByID(ctx, *t.req.ConversationID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				t.failure = &RelayError{Code: CodeConversationLookup, Message: "conversation not found"}
			} else {
				t.failure = &RelayError{Code: CodeConversationLookup, Message: "failed to load conversation", Err: err}
			}
			return stateFailed
		}
		t.conversation = conv
		t.modelKey = conv.Model
		if t.req.Model != "" {
			// Explicit model wins for this turn; the stored model is not
			// touched here.
			t.modelKey = t.req.Model
		}
	} else {
		if strings.TrimSpace(t.req.Model) == "" {
			t.failure = &RelayError{Code: CodeMissingModel, Message: "a model must be selected to start a conversation"}
			return stateFailed
		}
		t.modelKey = t.req.Model

		conv, err := r.conversations.Create(ctx, titleFromText(t.req.Text), t.modelKey)
		if err != nil {
			t.failure = &RelayError{Code: CodeConversationLookup, Message: "failed to create conversation", Err: err}
			return stateFailed
		}
		t.conversation = conv
	}

	t.userMsg = &models.Message{
		ConversationID: t.conversation.ID,
		Role:           models.RoleUser,
		Content:        t.req.Text,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.messages.Create(ctx, t.userMsg); err != nil {
		t.failure = &RelayError{Code: CodeConversationLookup, Message: "failed to store message", Err: err}
		return stateFailed
	}
	return stateResolvingModel
}

func (r *StreamRelay) resolveModel(ctx context.Context, t *turn) relayState {
	mc, err := r.modelConfigs.GetByKey(ctx, t.modelKey)
	switch {
	case err == nil:
		t.modelConfig = mc
	case errors.Is(err, pgx.ErrNoRows):
		// Unknown model keys are not fatal: the turn falls back to the
		// default deployment with no system prompt.
		t.modelConfig = nil
	default:
		t.failure = &RelayError{Code: CodeConversationLookup, Message: "failed to load model config", Err: err}
		return stateFailed
	}
	return stateAuthenticating
}

func (r *StreamRelay) authenticate(ctx context.Context, t *turn) relayState {
	token, err := r.credentials.Token(ctx, t.modelConfig)
	if err != nil {
		t.failure = asRelayError(err, CodeOAuthExchange, "credential resolution failed")
		return stateFailed
	}
	t.token = token
	return stateStreaming
}

// stream opens the upstream connection and forwards each fragment to the
// client as soon as it is decoded, accumulating the full reply on the side.
func (r *StreamRelay) stream(ctx context.Context, t *turn) relayState {
	endpoint := r.defaultDeploymentURL
	systemPrompt := ""
	if t.modelConfig != nil {
		if t.modelConfig.DeploymentURL != "" {
			endpoint = t.modelConfig.DeploymentURL
		}
		systemPrompt = t.modelConfig.SystemPrompt
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments, err := r.upstream.Stream(streamCtx, StreamRequest{
		Endpoint:     endpoint,
		Token:        t.token,
		Model:        t.modelKey,
		SystemPrompt: systemPrompt,
		UserText:     t.req.Text,
	})
	if err != nil {
		// Nothing was generated, so there is nothing to persist.
		t.failure = asRelayError(err, CodeUpstreamTransport, "failed to open upstream stream")
		return stateFailed
	}

	for frag := range fragments {
		if frag.Err != nil {
			t.streamErr = asRelayError(frag.Err, CodeUpstreamTransport, "upstream stream failed")
			break
		}
		t.reply.WriteString(frag.Content)
		if err := t.emit(models.StreamEvent{Content: frag.Content}); err != nil {
			// Client went away. Stop reading upstream; what was received so
			// far is persisted so the conversation reloads consistently.
			t.clientGone = true
			cancel()
			break
		}
	}
	return stateFinalizing
}

// finalize persists the accumulated reply (complete or partial), bumps the
// conversation, and emits the terminal event.
func (r *StreamRelay) finalize(ctx context.Context, t *turn) relayState {
	if t.streamErr != nil && t.reply.Len() == 0 {
		// Failed before the first fragment; an empty assistant message would
		// only clutter the transcript.
		t.failure = t.streamErr
		return stateFailed
	}

	// Persistence must survive client disconnects and upstream cancellation.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	assistantAt := time.Now().UTC()
	if !assistantAt.After(t.userMsg.CreatedAt) {
		// Reply order must survive coarse clock resolution.
		assistantAt = t.userMsg.CreatedAt.Add(time.Millisecond)
	}

	msg := &models.Message{
		ConversationID: t.conversation.ID,
		Role:           models.RoleAssistant,
		Content:        t.reply.String(),
		CreatedAt:      assistantAt,
	}
	if err := r.messages.Create(fctx, msg); err != nil {
		t.failure = &RelayError{Code: CodeConversationLookup, Message: "failed to store assistant reply", Err: err}
		return stateFailed
	}

	if err := r.conversations.TouchModifiedAt(fctx, t.conversation.ID); err != nil {
		log.Printf("Failed to touch conversation %s: %v", t.conversation.ID, err)
	}
	r.publishUpdate(fctx, t.conversation)

	if t.streamErr != nil {
		// The partial reply is saved; the client still needs the error
		// signal as its terminal event.
		t.failure = t.streamErr
		return stateFailed
	}
	if t.clientGone {
		return stateDone
	}

	if err := t.emit(models.StreamEvent{Content: "", Done: true, ConversationID: t.conversation.ID.String()}); err != nil {
		log.Printf("Failed to send done event for conversation %s: %v", t.conversation.ID, err)
	}
	return stateDone
}

func (r *StreamRelay) fail(t *turn) {
	log.Printf("Chat turn failed [%s]: %v", t.failure.Code, t.failure)
	if t.clientGone {
		return
	}
	if err := t.emit(models.StreamErrorEvent{Error: t.failure.Code + ": " + t.failure.Message}); err != nil {
		log.Printf("Failed to send error event: %v", err)
	}
}

func (r *StreamRelay) publishUpdate(ctx context.Context, conv *models.Conversation) {
	if r.redis == nil {
		return
	}
	payload, err := json.Marshal(models.WSMessage{
		Type: "conversation_updated",
		Payload: models.ConversationUpdate{
			ID:         conv.ID,
			Title:      conv.Title,
			Model:      conv.Model,
			ModifiedAt: time.Now().UTC(),
		},
	})
	if err != nil {
		return
	}
	if err := r.redis.Publish(ctx, ConversationUpdatesChannel, string(payload)).Err(); err != nil {
		log.Printf("Failed to publish conversation update: %v", err)
	}
}

// titleFromText derives a new conversation's title from the first message.
func titleFromText(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > newTitleLimit {
		runes = runes[:newTitleLimit]
	}
	return string(runes)
}

func asRelayError(err error, fallbackCode, fallbackMessage string) *RelayError {
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return &RelayError{Code: fallbackCode, Message: fallbackMessage, Err: err}
}
