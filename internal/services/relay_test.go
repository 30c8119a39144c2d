package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"parley-backend/internal/models"
)

type fakeConversations struct {
	byID    map[uuid.UUID]*models.Conversation
	created []*models.Conversation
	touched []uuid.UUID
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{byID: make(map[uuid.UUID]*models.Conversation)}
}

func (f *fakeConversations) Create(ctx context.Context, title, model string) (*models.Conversation, error) {
	c := &models.Conversation{ID: uuid.New(), Title: title, Model: model, CreatedAt: time.Now(), ModifiedAt: time.Now()}
	f.byID[c.ID] = c
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeConversations) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return c, nil
}

func (f *fakeConversations) TouchModifiedAt(ctx context.Context, id uuid.UUID) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakeMessages struct {
	messages []*models.Message
}

func (f *fakeMessages) Create(ctx context.Context, m *models.Message) error {
	m.ID = uuid.New()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	f.messages = append(f.messages, m)
	return nil
}

type fakeModelConfigs struct {
	configs map[string]*models.ModelConfig
}

func (f *fakeModelConfigs) GetByKey(ctx context.Context, key string) (*models.ModelConfig, error) {
	if c, ok := f.configs[key]; ok {
		return c, nil
	}
	return nil, pgx.ErrNoRows
}

type staticCredentials struct {
	token string
	err   error
}

func (s *staticCredentials) Token(ctx context.Context, mc *models.ModelConfig) (string, error) {
	return s.token, s.err
}

type fakeUpstream struct {
	fragments []Fragment
	openErr   error
	called    bool
	gotReq    StreamRequest
}

func (f *fakeUpstream) Stream(ctx context.Context, sr StreamRequest) (<-chan Fragment, error) {
	f.called = true
	f.gotReq = sr
	if f.openErr != nil {
		return nil, f.openErr
	}
	out := make(chan Fragment, len(f.fragments))
	for _, fr := range f.fragments {
		out <- fr
	}
	close(out)
	return out, nil
}

// eventCollector records emitted events. failAfter >= 0 makes every emit
// past that count fail, simulating a client disconnect.
type eventCollector struct {
	events    []any
	failAfter int
}

func newEventCollector() *eventCollector {
	return &eventCollector{failAfter: -1}
}

func (c *eventCollector) sink(event any) error {
	if c.failAfter >= 0 && len(c.events) >= c.failAfter {
		return errors.New("client disconnected")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) terminals() (dones, errs int) {
	for _, e := range c.events {
		switch ev := e.(type) {
		case models.StreamEvent:
			if ev.Done {
				dones++
			}
		case models.StreamErrorEvent:
			errs++
		}
	}
	return
}

func (c *eventCollector) errorEvent(t *testing.T) models.StreamErrorEvent {
	t.Helper()
	for _, e := range c.events {
		if ev, ok := e.(models.StreamErrorEvent); ok {
			return ev
		}
	}
	t.Fatal("Expected an error event")
	return models.StreamErrorEvent{}
}

type relayFixture struct {
	conversations *fakeConversations
	messages      *fakeMessages
	modelConfigs  *fakeModelConfigs
	upstream      *fakeUpstream
	relay         *StreamRelay
}

func newRelayFixture(creds tokenProvider, upstream *fakeUpstream, configs map[string]*models.ModelConfig) *relayFixture {
	f := &relayFixture{
		conversations: newFakeConversations(),
		messages:      &fakeMessages{},
		modelConfigs:  &fakeModelConfigs{configs: configs},
		upstream:      upstream,
	}
	f.relay = NewStreamRelay(
		f.conversations, f.messages, f.modelConfigs, creds, upstream,
		"https://fallback.example/v2/chat", nil,
	)
	return f
}

func TestRun_NewConversationRoundTrip(t *testing.T) {
	f := newRelayFixture(
		&staticCredentials{token: "tok"},
		&fakeUpstream{fragments: []Fragment{{Content: "Hi"}, {Content: " there"}}},
		map[string]*models.ModelConfig{
			"m1": {Key: "m1", DeploymentURL: "https://up.example/chat", SystemPrompt: "You are terse."},
		},
	)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "m1"}, c.sink)

	if len(f.conversations.created) != 1 {
		t.Fatalf("Expected 1 conversation created, got %d", len(f.conversations.created))
	}
	conv := f.conversations.created[0]
	if conv.Title != "Hello" || conv.Model != "m1" {
		t.Errorf("Unexpected conversation: title=%q model=%q", conv.Title, conv.Model)
	}

	if len(c.events) != 3 {
		t.Fatalf("Expected 3 events, got %d: %v", len(c.events), c.events)
	}
	first, ok := c.events[0].(models.StreamEvent)
	if !ok || first.Content != "Hi" || first.Done {
		t.Errorf("Unexpected first event: %+v", c.events[0])
	}
	second := c.events[1].(models.StreamEvent)
	if second.Content != " there" || second.Done {
		t.Errorf("Unexpected second event: %+v", second)
	}
	last := c.events[2].(models.StreamEvent)
	if !last.Done || last.Content != "" || last.ConversationID != conv.ID.String() {
		t.Errorf("Unexpected terminal event: %+v", last)
	}

	if len(f.messages.messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(f.messages.messages))
	}
	user, assistant := f.messages.messages[0], f.messages.messages[1]
	if user.Role != models.RoleUser || user.Content != "Hello" {
		t.Errorf("Unexpected user message: %+v", user)
	}
	if assistant.Role != models.RoleAssistant || assistant.Content != "Hi there" {
		t.Errorf("Unexpected assistant message: %+v", assistant)
	}
	if !user.CreatedAt.Before(assistant.CreatedAt) {
		t.Errorf("User message must be ordered before assistant: %v vs %v", user.CreatedAt, assistant.CreatedAt)
	}

	if f.upstream.gotReq.SystemPrompt != "You are terse." {
		t.Errorf("System prompt not forwarded: %q", f.upstream.gotReq.SystemPrompt)
	}
	if f.upstream.gotReq.Endpoint != "https://up.example/chat" {
		t.Errorf("Deployment URL not used: %q", f.upstream.gotReq.Endpoint)
	}
	if len(f.conversations.touched) != 1 || f.conversations.touched[0] != conv.ID {
		t.Errorf("Conversation modified_at not touched: %v", f.conversations.touched)
	}
}

func TestRun_NewConversationTitleTruncated(t *testing.T) {
	text := strings.Repeat("a", 80)
	f := newRelayFixture(&staticCredentials{token: "tok"}, &fakeUpstream{fragments: []Fragment{{Content: "ok"}}}, nil)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: text, Model: "m1"}, c.sink)

	if len(f.conversations.created) != 1 {
		t.Fatalf("Expected 1 conversation, got %d", len(f.conversations.created))
	}
	if got := f.conversations.created[0].Title; len([]rune(got)) != 50 {
		t.Errorf("Expected 50-rune title, got %d runes", len([]rune(got)))
	}
}

func TestRun_MissingModelRejectedBeforeAnyWrite(t *testing.T) {
	f := newRelayFixture(&staticCredentials{token: "tok"}, &fakeUpstream{}, nil)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello"}, c.sink)

	if len(f.conversations.created) != 0 {
		t.Error("No conversation may be created without a model")
	}
	if len(f.messages.messages) != 0 {
		t.Error("No message may be written without a model")
	}
	if f.upstream.called {
		t.Error("Upstream must not be called")
	}
	dones, errs := c.terminals()
	if dones != 0 || errs != 1 {
		t.Errorf("Expected exactly one error terminal, got dones=%d errs=%d", dones, errs)
	}
	if ev := c.errorEvent(t); !strings.Contains(ev.Error, CodeMissingModel) {
		t.Errorf("Expected %s in error event, got %q", CodeMissingModel, ev.Error)
	}
}

func TestRun_MissingCredentialKeepsUserMessage(t *testing.T) {
	// Real provider with no static token: bearer resolution fails.
	f := newRelayFixture(NewCredentialProvider(""), &fakeUpstream{}, nil)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "m1"}, c.sink)

	if f.upstream.called {
		t.Error("Upstream must not be called without a token")
	}
	if len(f.messages.messages) != 1 || f.messages.messages[0].Role != models.RoleUser {
		t.Fatalf("Expected the user message to survive, got %+v", f.messages.messages)
	}
	dones, errs := c.terminals()
	if dones != 0 || errs != 1 {
		t.Errorf("Expected exactly one error terminal, got dones=%d errs=%d", dones, errs)
	}
	if ev := c.errorEvent(t); !strings.Contains(ev.Error, CodeMissingCredential) {
		t.Errorf("Expected %s in error event, got %q", CodeMissingCredential, ev.Error)
	}
}

func TestRun_OAuthExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tokenURL := srv.URL
	srv.Close()

	f := newRelayFixture(NewCredentialProvider(""), &fakeUpstream{}, map[string]*models.ModelConfig{
		"m1": {Key: "m1", AuthType: models.AuthTypeOAuth2, TokenURL: tokenURL, ClientID: "cid", ClientSecret: "sec"},
	})
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "m1"}, c.sink)

	if f.upstream.called {
		t.Error("Upstream must not be called after a failed exchange")
	}
	assistants := 0
	for _, m := range f.messages.messages {
		if m.Role == models.RoleAssistant {
			assistants++
		}
	}
	if assistants != 0 {
		t.Error("No assistant message may be stored after a failed exchange")
	}
	dones, errs := c.terminals()
	if dones != 0 || errs != 1 {
		t.Errorf("Expected exactly one error terminal, got dones=%d errs=%d", dones, errs)
	}
	if ev := c.errorEvent(t); !strings.Contains(ev.Error, CodeOAuthExchange) {
		t.Errorf("Expected %s in error event, got %q", CodeOAuthExchange, ev.Error)
	}
}

func TestRun_PartialReplyPersistedOnMidStreamError(t *testing.T) {
	streamErr := &RelayError{Code: CodeUpstreamTransport, Message: "upstream stream interrupted"}
	f := newRelayFixture(
		&staticCredentials{token: "tok"},
		&fakeUpstream{fragments: []Fragment{{Content: "partial "}, {Content: "answer"}, {Err: streamErr}}},
		nil,
	)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "m1"}, c.sink)

	if len(f.messages.messages) != 2 {
		t.Fatalf("Expected user + assistant messages, got %d", len(f.messages.messages))
	}
	assistant := f.messages.messages[1]
	if assistant.Role != models.RoleAssistant || assistant.Content != "partial answer" {
		t.Errorf("Expected partial reply persisted, got %+v", assistant)
	}

	dones, errs := c.terminals()
	if dones != 0 || errs != 1 {
		t.Errorf("Expected exactly one error terminal, got dones=%d errs=%d", dones, errs)
	}
	if ev := c.errorEvent(t); !strings.Contains(ev.Error, CodeUpstreamTransport) {
		t.Errorf("Expected %s in error event, got %q", CodeUpstreamTransport, ev.Error)
	}
}

func TestRun_MidStreamErrorBeforeFirstFragmentFails(t *testing.T) {
	f := newRelayFixture(
		&staticCredentials{token: "tok"},
		&fakeUpstream{fragments: []Fragment{{Err: &RelayError{Code: CodeUpstreamTransport, Message: "reset"}}}},
		nil,
	)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "m1"}, c.sink)

	if len(f.messages.messages) != 1 {
		t.Fatalf("Expected only the user message, got %d messages", len(f.messages.messages))
	}
	dones, errs := c.terminals()
	if dones != 0 || errs != 1 {
		t.Errorf("Expected exactly one error terminal, got dones=%d errs=%d", dones, errs)
	}
}

func TestRun_OpenStreamFailure(t *testing.T) {
	f := newRelayFixture(
		&staticCredentials{token: "tok"},
		&fakeUpstream{openErr: &RelayError{Code: CodeUpstreamTransport, Message: "connection refused"}},
		nil,
	)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "m1"}, c.sink)

	if len(f.messages.messages) != 1 {
		t.Fatalf("Expected only the user message, got %d messages", len(f.messages.messages))
	}
	dones, errs := c.terminals()
	if dones != 0 || errs != 1 {
		t.Errorf("Expected exactly one error terminal, got dones=%d errs=%d", dones, errs)
	}
}

func TestRun_ExistingConversationModelOverride(t *testing.T) {
	f := newRelayFixture(&staticCredentials{token: "tok"}, &fakeUpstream{fragments: []Fragment{{Content: "ok"}}}, nil)
	conv, _ := f.conversations.Create(context.Background(), "Earlier chat", "m1")
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{ConversationID: &conv.ID, Text: "Continue", Model: "m2"}, c.sink)

	if f.upstream.gotReq.Model != "m2" {
		t.Errorf("Expected per-request model override m2, got %q", f.upstream.gotReq.Model)
	}
	if f.conversations.byID[conv.ID].Model != "m1" {
		t.Error("The stored conversation model must not be mutated by the relay")
	}
	// Created once by the test itself, never by the relay.
	if len(f.conversations.created) != 1 {
		t.Errorf("Relay must not create a conversation when an id is supplied, got %d", len(f.conversations.created))
	}
}

func TestRun_ExistingConversationUsesStoredModel(t *testing.T) {
	f := newRelayFixture(&staticCredentials{token: "tok"}, &fakeUpstream{fragments: []Fragment{{Content: "ok"}}}, nil)
	conv, _ := f.conversations.Create(context.Background(), "Earlier chat", "m1")
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{ConversationID: &conv.ID, Text: "Continue"}, c.sink)

	if f.upstream.gotReq.Model != "m1" {
		t.Errorf("Expected stored model m1, got %q", f.upstream.gotReq.Model)
	}
}

func TestRun_UnknownConversationID(t *testing.T) {
	f := newRelayFixture(&staticCredentials{token: "tok"}, &fakeUpstream{}, nil)
	missing := uuid.New()
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{ConversationID: &missing, Text: "Hello"}, c.sink)

	if f.upstream.called {
		t.Error("Upstream must not be called for an unknown conversation")
	}
	dones, errs := c.terminals()
	if dones != 0 || errs != 1 {
		t.Errorf("Expected exactly one error terminal, got dones=%d errs=%d", dones, errs)
	}
	if ev := c.errorEvent(t); !strings.Contains(ev.Error, CodeConversationLookup) {
		t.Errorf("Expected %s in error event, got %q", CodeConversationLookup, ev.Error)
	}
}

func TestRun_UnknownModelKeyFallsBackToDefault(t *testing.T) {
	f := newRelayFixture(&staticCredentials{token: "tok"}, &fakeUpstream{fragments: []Fragment{{Content: "ok"}}}, nil)
	c := newEventCollector()

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "no-such-model"}, c.sink)

	if f.upstream.gotReq.Endpoint != "https://fallback.example/v2/chat" {
		t.Errorf("Expected fallback deployment URL, got %q", f.upstream.gotReq.Endpoint)
	}
	if f.upstream.gotReq.SystemPrompt != "" {
		t.Errorf("Expected empty system prompt, got %q", f.upstream.gotReq.SystemPrompt)
	}
	dones, errs := c.terminals()
	if dones != 1 || errs != 0 {
		t.Errorf("Expected a clean done terminal, got dones=%d errs=%d", dones, errs)
	}
}

func TestRun_ClientDisconnectPersistsPartialReply(t *testing.T) {
	f := newRelayFixture(
		&staticCredentials{token: "tok"},
		&fakeUpstream{fragments: []Fragment{{Content: "Hi"}, {Content: " there"}}},
		nil,
	)
	c := newEventCollector()
	c.failAfter = 1 // the write after the first successful event breaks

	f.relay.Run(context.Background(), RelayRequest{Text: "Hello", Model: "m1"}, c.sink)

	if len(f.messages.messages) != 2 {
		t.Fatalf("Expected user + assistant messages, got %d", len(f.messages.messages))
	}
	assistant := f.messages.messages[1]
	if assistant.Content != "Hi there" {
		t.Errorf("Expected everything received before the disconnect persisted, got %q", assistant.Content)
	}
	// No terminal can reach a disconnected client.
	dones, errs := c.terminals()
	if dones != 0 || errs != 0 {
		t.Errorf("Expected no terminal events after disconnect, got dones=%d errs=%d", dones, errs)
	}
}
