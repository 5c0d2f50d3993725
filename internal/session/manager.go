// Package session owns drafting sessions: the per-session context object
// holding the current SpecResponse and chat ledger, its load-at-start and
// save-after-mutation lifecycle, and change notification for streams.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/chat"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/orchestration"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

// ErrSessionNotFound is returned for unknown sessions and sessions of other owners
var ErrSessionNotFound = errors.New("session not found")

const subscriberBuffer = 16

// Drafter runs synthesis and refinement; *orchestration.Service implements it
type Drafter interface {
	Synthesize(ctx context.Context, tmpl *spec.Template, in orchestration.SynthesisInput) (models.SpecResponse, error)
	Refine(ctx context.Context, tmpl *spec.Template, current models.SpecResponse, answered models.AnsweredQuestion) (models.SpecResponse, error)
}

// View is what clients see of a session after each transition
type View struct {
	ID              string               `json:"id"`
	Template        spec.TemplateName    `json:"template"`
	Title           string               `json:"title"`
	State           chat.State           `json:"state"`
	Response        models.SpecResponse  `json:"specResponse"`
	Messages        []models.ChatMessage `json:"messages"`
	CurrentQuestion *models.Question     `json:"currentQuestion,omitempty"`
	LastError       string               `json:"lastError,omitempty"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// sessionContext is the explicit state of one session. mu guards every field
// above saveMu and is never held across a boundary call.
type sessionContext struct {
	mu          sync.Mutex
	id          string
	owner       string
	template    *spec.Template
	response    models.SpecResponse
	chat        *chat.Session
	updatedAt   time.Time
	subscribers map[int]chan View
	nextSub     int
	seq         uint64
	deleted     bool

	// saveMu orders store writes; savedSeq is the newest snapshot written
	saveMu   sync.Mutex
	savedSeq uint64
	dropped  bool
}

// Manager is the flow controller for drafting sessions
type Manager struct {
	drafter  Drafter
	store    Store
	fallback *spec.Template
	chatOpts []chat.Option
	now      func() time.Time
	newID    func() string
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*sessionContext
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithDefaultTemplate sets the template used when Create gets no name
func WithDefaultTemplate(tmpl *spec.Template) ManagerOption {
	return func(m *Manager) { m.fallback = tmpl }
}

// WithChatOptions passes options to every chat session the manager creates
func WithChatOptions(opts ...chat.Option) ManagerOption {
	return func(m *Manager) { m.chatOpts = append(m.chatOpts, opts...) }
}

// WithSessionIDs overrides session id generation
func WithSessionIDs(newID func() string) ManagerOption {
	return func(m *Manager) { m.newID = newID }
}

// WithManagerClock overrides the clock used for UpdatedAt
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager
func NewManager(drafter Drafter, store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		drafter:  drafter,
		store:    store,
		fallback: spec.Default(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		tracer:   otel.Tracer("session-manager"),
		sessions: make(map[string]*sessionContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create synthesizes a first draft for a new session owned by owner
func (m *Manager) Create(ctx context.Context, owner, templateName string, in orchestration.SynthesisInput) (View, error) {
	ctx, span := m.tracer.Start(ctx, "session.create")
	defer span.End()

	tmpl, err := m.lookupTemplate(templateName)
	if err != nil {
		span.RecordError(err)
		return View{}, err
	}
	span.SetAttributes(attribute.String("template", string(tmpl.Name)), attribute.String("source", in.Source()))

	resp, err := m.drafter.Synthesize(ctx, tmpl, in)
	if err != nil {
		span.RecordError(err)
		return View{}, err
	}

	sc := &sessionContext{
		id:          m.newID(),
		owner:       owner,
		template:    tmpl,
		response:    resp,
		chat:        chat.New(m.chatOpts...),
		updatedAt:   m.now(),
		subscribers: make(map[int]chan View),
	}
	if err := sc.chat.Hydrate(resp); err != nil {
		return View{}, fmt.Errorf("failed to seed chat: %w", err)
	}
	span.SetAttributes(attribute.String("session_id", sc.id))

	m.mu.Lock()
	m.sessions[sc.id] = sc
	m.mu.Unlock()

	sc.mu.Lock()
	view := sc.viewLocked()
	snap := sc.snapshotLocked()
	sc.seq++
	seq := sc.seq
	sc.mu.Unlock()

	m.persist(ctx, sc, seq, snap)
	return view, nil
}

// Get returns the current view, reseeding the session from the store when
// it is not held in memory
func (m *Manager) Get(ctx context.Context, owner, id string) (View, error) {
	sc, err := m.load(ctx, owner, id)
	if err != nil {
		return View{}, err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.viewLocked(), nil
}

// Answer submits an answer to the current question and merges it. While the
// merge runs the session is pending and further submissions are rejected
// with chat.ErrSubmissionInFlight.
func (m *Manager) Answer(ctx context.Context, owner, id, text string) (View, error) {
	return m.run(ctx, owner, id, "session.answer", func(c *chat.Session) (models.AnsweredQuestion, error) {
		return c.Submit(text)
	})
}

// Retry resubmits the answer of a failed merge
func (m *Manager) Retry(ctx context.Context, owner, id string) (View, error) {
	return m.run(ctx, owner, id, "session.retry", func(c *chat.Session) (models.AnsweredQuestion, error) {
		return c.Retry()
	})
}

func (m *Manager) run(ctx context.Context, owner, id, spanName string, start func(*chat.Session) (models.AnsweredQuestion, error)) (View, error) {
	ctx, span := m.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	sc, err := m.load(ctx, owner, id)
	if err != nil {
		span.RecordError(err)
		return View{}, err
	}

	sc.mu.Lock()
	answered, err := start(sc.chat)
	if err != nil {
		view := sc.viewLocked()
		sc.mu.Unlock()
		return view, err
	}
	current := sc.response
	tmpl := sc.template
	pending := sc.viewLocked()
	sc.mu.Unlock()

	sc.publish(pending)
	span.SetAttributes(attribute.String("question_id", answered.ID))

	resp, refineErr := m.drafter.Refine(ctx, tmpl, current, answered)

	sc.mu.Lock()
	if sc.deleted {
		sc.mu.Unlock()
		log.Printf(`{"level":"info","message":"merge finished for deleted session","session_id":"%s"}`, id)
		return View{}, ErrSessionNotFound
	}
	var snap *Snapshot
	var seq uint64
	if refineErr != nil {
		span.RecordError(refineErr)
		if err := sc.chat.Fail(errors.New(orchestration.PublicMessage(refineErr))); err != nil {
			log.Printf(`{"level":"error","message":"chat transition failed","session_id":"%s","error":%q}`, id, err.Error())
		}
	} else {
		sc.response = resp
		sc.updatedAt = m.now()
		if err := sc.chat.Resolve(resp); err != nil {
			log.Printf(`{"level":"error","message":"chat transition failed","session_id":"%s","error":%q}`, id, err.Error())
		}
		s := sc.snapshotLocked()
		snap = &s
		sc.seq++
		seq = sc.seq
	}
	view := sc.viewLocked()
	sc.mu.Unlock()

	sc.publish(view)
	if snap != nil {
		m.persist(ctx, sc, seq, *snap)
	}
	return view, refineErr
}

// Delete drops the session from memory and the store
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	sc, err := m.load(ctx, owner, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	sc.mu.Lock()
	sc.deleted = true
	for sub, ch := range sc.subscribers {
		close(ch)
		delete(sc.subscribers, sub)
	}
	sc.mu.Unlock()

	sc.saveMu.Lock()
	defer sc.saveMu.Unlock()
	sc.dropped = true
	if err := m.store.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Subscribe streams a View after every transition of the session. The
// returned function unsubscribes; the channel is closed on unsubscribe or
// when the session is deleted.
func (m *Manager) Subscribe(ctx context.Context, owner, id string) (<-chan View, func(), error) {
	sc, err := m.load(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	sub := sc.nextSub
	sc.nextSub++
	ch := make(chan View, subscriberBuffer)
	sc.subscribers[sub] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sc.mu.Lock()
			defer sc.mu.Unlock()
			if c, ok := sc.subscribers[sub]; ok {
				close(c)
				delete(sc.subscribers, sub)
			}
		})
	}
	return ch, cancel, nil
}

// load returns the in-memory context or rebuilds it from the store
func (m *Manager) load(ctx context.Context, owner, id string) (*sessionContext, error) {
	m.mu.Lock()
	sc, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		if sc.owner != owner {
			return nil, ErrSessionNotFound
		}
		return sc, nil
	}

	snap, err := m.store.Load(ctx, Key(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if snap.Owner != owner {
		return nil, ErrSessionNotFound
	}

	tmpl, err := spec.Lookup(string(snap.Template))
	if err != nil {
		return nil, fmt.Errorf("stored session %s: %w", id, err)
	}

	fresh := &sessionContext{
		id:          id,
		owner:       snap.Owner,
		template:    tmpl,
		response:    snap.Response,
		chat:        chat.New(m.chatOpts...),
		updatedAt:   snap.UpdatedAt,
		subscribers: make(map[int]chan View),
	}
	if err := fresh.chat.Hydrate(snap.Response); err != nil {
		return nil, fmt.Errorf("failed to seed chat: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	m.sessions[id] = fresh
	log.Printf(`{"level":"info","message":"session rehydrated from store","session_id":"%s"}`, id)
	return fresh, nil
}

// persist saves snapshot seq of sc. A snapshot older than one already
// written is skipped, as is any save after Delete. Failures are logged and
// never fail the flow.
func (m *Manager) persist(ctx context.Context, sc *sessionContext, seq uint64, snap Snapshot) {
	sc.saveMu.Lock()
	defer sc.saveMu.Unlock()
	if sc.dropped || seq <= sc.savedSeq {
		return
	}
	if err := m.store.Save(context.WithoutCancel(ctx), Key(snap.SessionID), snap); err != nil {
		log.Printf(`{"level":"warn","message":"failed to persist session","session_id":"%s","error":%q}`, snap.SessionID, err.Error())
		return
	}
	sc.savedSeq = seq
}

func (sc *sessionContext) viewLocked() View {
	cs := sc.chat.Snapshot()
	return View{
		ID:              sc.id,
		Template:        sc.template.Name,
		Title:           sc.template.Title,
		State:           cs.State,
		Response:        sc.response.Clone(),
		Messages:        cs.Messages,
		CurrentQuestion: cs.CurrentQuestion,
		LastError:       cs.LastError,
		UpdatedAt:       sc.updatedAt,
	}
}

func (sc *sessionContext) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: sc.id,
		Owner:     sc.owner,
		Template:  sc.template.Name,
		Response:  sc.response.Clone(),
		UpdatedAt: sc.updatedAt,
	}
}

// publish fans a view out to subscribers without blocking on slow readers
func (sc *sessionContext) publish(v View) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for sub, ch := range sc.subscribers {
		select {
		case ch <- v:
		default:
			log.Printf(`{"level":"warn","message":"subscriber too slow, view dropped","session_id":"%s","subscriber":%d}`, sc.id, sub)
		}
	}
}

func (m *Manager) lookupTemplate(name string) (*spec.Template, error) {
	if name == "" {
		return m.fallback, nil
	}
	return spec.Lookup(name)
}
