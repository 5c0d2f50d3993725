// Package chat implements the interaction ledger of a drafting session: the
// ordered chat messages derived from the question stream, the transient
// loading sentinel and the states that gate answer submission.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

// State of a chat session
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingAnswer State = "awaiting-answer"
	StatePending        State = "pending"
	StateCompleted      State = "completed"
	StateErrored        State = "errored"
)

var (
	// ErrEmptyAnswer rejects blank submissions
	ErrEmptyAnswer = errors.New("answer is empty")
	// ErrSubmissionInFlight rejects a submission while another is pending
	ErrSubmissionInFlight = errors.New("an answer is already being processed")
	// ErrInvalidTransition rejects events the current state does not accept
	ErrInvalidTransition = errors.New("invalid chat transition")
)

// Option configures a Session
type Option func(*Session)

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIDGenerator overrides the message id source
func WithIDGenerator(newID func() string) Option {
	return func(s *Session) { s.newID = newID }
}

type messageKey struct {
	questionID string
	sender     models.Sender
}

// Session is the chat state machine of one drafting session. It is not safe
// for concurrent use; the owner serialises access.
type Session struct {
	state    State
	messages []models.ChatMessage
	seen     map[messageKey]struct{}
	current  *models.Question
	inFlight *models.AnsweredQuestion
	lastErr  string

	now   func() time.Time
	newID func() string
}

// Snapshot is an immutable copy of the session state
type Snapshot struct {
	State           State                `json:"state"`
	Messages        []models.ChatMessage `json:"messages"`
	CurrentQuestion *models.Question     `json:"currentQuestion,omitempty"`
	LastError       string               `json:"lastError,omitempty"`
}

// New creates an idle session
func New(opts ...Option) *Session {
	s := &Session{
		state:    StateIdle,
		messages: make([]models.ChatMessage, 0),
		seen:     make(map[messageKey]struct{}),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Messages returns a copy of the ledger
func (s *Session) Messages() []models.ChatMessage {
	out := make([]models.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// CurrentQuestion returns the question awaiting an answer
func (s *Session) CurrentQuestion() (models.Question, bool) {
	if s.current == nil {
		return models.Question{}, false
	}
	return *s.current, true
}

// LastError returns the message of the last failed request
func (s *Session) LastError() string {
	return s.lastErr
}

// Snapshot copies the full session state
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		State:     s.state,
		Messages:  s.Messages(),
		LastError: s.lastErr,
	}
	if s.current != nil {
		q := *s.current
		snap.CurrentQuestion = &q
	}
	return snap
}

// Hydrate seeds the ledger from a stored response. Running it again with the
// same response leaves the ledger unchanged.
func (s *Session) Hydrate(resp models.SpecResponse) error {
	switch s.state {
	case StatePending:
		return ErrSubmissionInFlight
	case StateErrored:
		return fmt.Errorf("%w: cannot hydrate from %s", ErrInvalidTransition, s.state)
	}

	next, ok := resp.NextQuestion()
	if !ok {
		s.current = nil
		s.state = StateCompleted
		return nil
	}
	s.ask(next)
	s.state = StateAwaitingAnswer
	return nil
}

// Submit records the user's answer to the current question, shows the
// loading sentinel and returns the answer to merge.
func (s *Session) Submit(text string) (models.AnsweredQuestion, error) {
	switch s.state {
	case StatePending:
		return models.AnsweredQuestion{}, ErrSubmissionInFlight
	case StateAwaitingAnswer, StateErrored:
	default:
		return models.AnsweredQuestion{}, fmt.Errorf("%w: cannot submit in %s", ErrInvalidTransition, s.state)
	}

	answer := strings.TrimSpace(text)
	if answer == "" {
		return models.AnsweredQuestion{}, ErrEmptyAnswer
	}
	if s.current == nil {
		return models.AnsweredQuestion{}, fmt.Errorf("%w: no question to answer", ErrInvalidTransition)
	}

	s.append(models.ChatMessage{
		ID:         s.newID(),
		QuestionID: s.current.ID,
		Content:    answer,
		Sender:     models.SenderUser,
		Timestamp:  s.now(),
	})
	s.appendSentinel()

	answered := models.AnsweredQuestion{ID: s.current.ID, Answer: answer}
	s.inFlight = &answered
	s.lastErr = ""
	s.state = StatePending
	return answered, nil
}

// Retry resubmits the answer of the failed request without re-typing it
func (s *Session) Retry() (models.AnsweredQuestion, error) {
	switch s.state {
	case StatePending:
		return models.AnsweredQuestion{}, ErrSubmissionInFlight
	case StateErrored:
	default:
		return models.AnsweredQuestion{}, fmt.Errorf("%w: cannot retry in %s", ErrInvalidTransition, s.state)
	}
	if s.inFlight == nil {
		return models.AnsweredQuestion{}, fmt.Errorf("%w: nothing to retry", ErrInvalidTransition)
	}

	s.appendSentinel()
	s.lastErr = ""
	s.state = StatePending
	return *s.inFlight, nil
}

// Resolve applies a successful merge: the sentinel goes first, then the next
// question or the completion notice is appended.
func (s *Session) Resolve(resp models.SpecResponse) error {
	if s.state != StatePending {
		return fmt.Errorf("%w: cannot resolve in %s", ErrInvalidTransition, s.state)
	}
	s.removeSentinel()
	s.inFlight = nil

	next, ok := resp.NextQuestion()
	if !ok {
		s.current = nil
		s.appendOnce(models.ChatMessage{
			ID:         s.newID(),
			QuestionID: models.NoMoreQuestionsID,
			Content:    models.CompletionContent,
			Sender:     models.SenderAI,
			Timestamp:  s.now(),
		})
		s.state = StateCompleted
		return nil
	}
	s.ask(next)
	s.state = StateAwaitingAnswer
	return nil
}

// Fail records a failed merge. The user's answer stays in the ledger.
func (s *Session) Fail(err error) error {
	if s.state != StatePending {
		return fmt.Errorf("%w: cannot fail in %s", ErrInvalidTransition, s.state)
	}
	s.removeSentinel()
	if err != nil {
		s.lastErr = err.Error()
	}
	s.state = StateErrored
	return nil
}

func (s *Session) ask(q models.Question) {
	current := q
	s.current = &current
	s.appendOnce(models.ChatMessage{
		ID:         s.newID(),
		QuestionID: q.ID,
		Content:    q.Question,
		Sender:     models.SenderAI,
		Timestamp:  s.now(),
	})
}

// appendOnce skips messages whose (questionId, sender) is already recorded
func (s *Session) appendOnce(m models.ChatMessage) {
	if _, dup := s.seen[messageKey{m.QuestionID, m.Sender}]; dup {
		return
	}
	s.append(m)
}

func (s *Session) append(m models.ChatMessage) {
	s.seen[messageKey{m.QuestionID, m.Sender}] = struct{}{}
	s.messages = append(s.messages, m)
}

func (s *Session) appendSentinel() {
	s.messages = append(s.messages, models.ChatMessage{
		ID:         models.LoadingQuestionID,
		QuestionID: models.LoadingQuestionID,
		Content:    models.LoadingContent,
		Sender:     models.SenderAI,
		Timestamp:  s.now(),
	})
}

func (s *Session) removeSentinel() {
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !m.IsLoading() {
			kept = append(kept, m)
		}
	}
	s.messages = kept
}
