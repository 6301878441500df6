package session

import (
	"context"
	"sync"
	"time"

	"qfit-chat/internal/auth"
	"qfit-chat/internal/domain"
	"qfit-chat/internal/store"
	qfit_errors "qfit-chat/pkg/errors"
	"qfit-chat/pkg/logger"
)

// State is the lifecycle of one open chat screen.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateJoined
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateJoined:
		return "JOINED"
	case StateLeaving:
		return "LEAVING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transport is the slice of the realtime channel the session needs.
type Transport interface {
	JoinGroup(groupID, userEmail string) error
	LeaveGroup(groupID, userEmail string) error
	Send(msg domain.Message) error
	OnMessage(func(domain.Message))
	Close() error
}

// Uploader resolves a local file to a durable URL, reporting progress
// and honoring context cancellation.
type Uploader interface {
	Upload(ctx context.Context, groupID, localPath, fileName string, progress func(pct int)) (string, error)
}

// HistoryFetcher is the REST fallback for history replay when the local
// cache is empty.
type HistoryFetcher interface {
	Messages(ctx context.Context, groupID string) ([]domain.Message, error)
}

// Observer receives state change notifications. Callbacks are invoked
// outside the session lock and may be nil.
type Observer struct {
	OnUpdate   func()
	OnError    func(err error)
	OnProgress func(pct int)
}

// Config wires a session together. Identity is explicit, not ambient.
type Config struct {
	GroupID  string
	Identity auth.Identity
	Store    store.MessageStore
	Channel  Transport
	Uploader Uploader
	History  HistoryFetcher
	Observer Observer
	Logger   *logger.Logger
}

// Session merges the local cache, optimistic sends, and inbound realtime
// events into one consistent ordered view, and coordinates attachment
// uploads. The session exclusively owns its message slice and state; the
// store and channel are shared collaborators with message-level access
// only.
type Session struct {
	mu    sync.Mutex
	state State
	msgs  []domain.Message

	groupID  string
	identity auth.Identity

	store    store.MessageStore
	ch       Transport
	uploader Uploader
	obs      Observer
	log      *logger.Logger

	uploadCancel context.CancelFunc
	uploadWG     sync.WaitGroup
}

// Open loads cached history, joins the room, and registers the inbound
// handler. Join is fire-and-forget: the session is JOINED immediately,
// without waiting for a server acknowledgement.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.GroupID == "" || cfg.Identity.Email == "" || cfg.Store == nil || cfg.Channel == nil {
		return nil, qfit_errors.ErrInvalidInput
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	s := &Session{
		state:    StateInit,
		groupID:  cfg.GroupID,
		identity: cfg.Identity,
		store:    cfg.Store,
		ch:       cfg.Channel,
		uploader: cfg.Uploader,
		obs:      cfg.Observer,
		log:      cfg.Logger,
	}

	msgs, err := s.store.Load(ctx, s.groupID)
	if err != nil {
		// Degraded view beats a dead session.
		s.log.Warnf("loading cached history for group %s failed: %v", s.groupID, err)
		msgs = nil
	}
	if len(msgs) == 0 && cfg.History != nil {
		if replay, err := cfg.History.Messages(ctx, s.groupID); err != nil {
			s.log.Warnf("history replay for group %s failed: %v", s.groupID, err)
			s.reportError(err)
		} else {
			msgs = replay
		}
	}
	s.msgs = msgs

	s.setState(StateConnecting)

	// Join is fire-and-forget with no acknowledgement, so the session
	// is JOINED before the handler is registered: the first inbound
	// event may arrive the moment the channel has the handler, and it
	// must not be dropped.
	s.setState(StateJoined)
	s.ch.OnMessage(s.handleInbound)
	if err := s.ch.JoinGroup(s.groupID, s.identity.Email); err != nil {
		// Best-effort join; a reconnect re-issues it.
		s.log.Warnf("joinGroup for %s failed: %v", s.groupID, err)
	}

	return s, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Info is a point-in-time snapshot for the status surface.
type Info struct {
	GroupID        string `json:"group_id"`
	UserEmail      string `json:"user_email"`
	State          string `json:"state"`
	MessageCount   int    `json:"message_count"`
	UploadInFlight bool   `json:"upload_in_flight"`
}

// Info snapshots the session for the status server.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		GroupID:        s.groupID,
		UserEmail:      s.identity.Email,
		State:          s.state.String(),
		MessageCount:   len(s.msgs),
		UploadInFlight: s.uploadCancel != nil,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GroupID reports the group this session is bound to.
func (s *Session) GroupID() string {
	return s.groupID
}

// Messages returns a copy of the ordered view state.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// SendText appends the message to the local view first (optimistic
// echo), persists it, then emits it on the channel. The sender sees
// their own message before any network round trip completes; a channel
// failure is surfaced as a non-fatal error state and the local copy
// stands.
func (s *Session) SendText(ctx context.Context, body string) error {
	if body == "" {
		return qfit_errors.ErrInvalidInput
	}

	msg := domain.Message{
		GroupID:     s.groupID,
		SenderEmail: s.identity.Email,
		SenderName:  s.identity.Name,
		Body:        body,
		SentAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return qfit_errors.ErrSessionClosed
	}
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()

	s.persist(ctx, msg)
	if err := s.ch.Send(msg); err != nil {
		s.log.Warnf("send to group %s failed, message kept locally: %v", s.groupID, err)
		s.reportError(err)
	}
	s.notifyUpdate()
	return nil
}

// SendAttachment uploads the file asynchronously. On success it behaves
// like SendText with the attachment URL and kind populated and the
// display filename as body; on failure or cancellation nothing is
// appended or persisted. One upload may be in flight at a time.
func (s *Session) SendAttachment(ctx context.Context, localPath, fileName string) error {
	if localPath == "" || fileName == "" {
		return qfit_errors.ErrInvalidInput
	}
	if s.uploader == nil {
		return qfit_errors.ErrUploadFailed
	}

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return qfit_errors.ErrSessionClosed
	}
	if s.uploadCancel != nil {
		s.mu.Unlock()
		return qfit_errors.ErrUploadInFlight
	}
	uctx, cancel := context.WithCancel(ctx)
	s.uploadCancel = cancel
	s.mu.Unlock()

	s.uploadWG.Add(1)
	go func() {
		defer s.uploadWG.Done()
		defer cancel()

		url, err := s.uploader.Upload(uctx, s.groupID, localPath, fileName, s.reportProgress)

		s.mu.Lock()
		s.uploadCancel = nil
		if err != nil {
			s.mu.Unlock()
			s.reportError(err)
			return
		}
		if s.state != StateJoined {
			s.mu.Unlock()
			s.log.Warnf("upload for group %s finished after session ended, dropping", s.groupID)
			return
		}
		msg := domain.Message{
			GroupID:        s.groupID,
			SenderEmail:    s.identity.Email,
			SenderName:     s.identity.Name,
			Body:           fileName,
			SentAt:         time.Now().UTC(),
			AttachmentURL:  url,
			AttachmentKind: domain.KindForFile(fileName),
		}
		s.msgs = append(s.msgs, msg)
		s.mu.Unlock()

		s.persist(context.Background(), msg)
		if err := s.ch.Send(msg); err != nil {
			s.log.Warnf("send to group %s failed, message kept locally: %v", s.groupID, err)
			s.reportError(err)
		}
		s.notifyUpdate()
	}()
	return nil
}

// CancelUpload aborts the in-flight upload, if any.
func (s *Session) CancelUpload() {
	s.mu.Lock()
	cancel := s.uploadCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleInbound applies one server-pushed event. Events echoing the
// session's own sends are dropped: the optimistic append already put
// them in the view, and the server fans messages back to their sender.
func (s *Session) handleInbound(msg domain.Message) {
	if msg.SenderEmail == s.identity.Email {
		return
	}

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return
	}
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()

	s.persist(context.Background(), msg)
	s.notifyUpdate()
}

// Leave permanently exits the group: emits leaveGroup, clears the local
// cache (irreversible), and tears down the channel. Only ever invoked on
// explicit user action.
func (s *Session) Leave(ctx context.Context) error {
	if err := s.beginTeardown(); err != nil {
		return err
	}
	if err := s.store.Clear(ctx, s.groupID); err != nil {
		s.log.Warnf("clearing history for group %s failed: %v", s.groupID, err)
		s.reportError(err)
	}
	s.finishTeardown()
	return nil
}

// Close tears the session down without clearing history, for
// navigate-away and error paths. Idempotent.
func (s *Session) Close() error {
	if err := s.beginTeardown(); err != nil {
		if err == qfit_errors.ErrSessionClosed {
			return nil
		}
		return err
	}
	s.finishTeardown()
	return nil
}

func (s *Session) beginTeardown() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateLeaving {
		s.mu.Unlock()
		return qfit_errors.ErrSessionClosed
	}
	s.state = StateLeaving
	cancel := s.uploadCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.uploadWG.Wait()

	if err := s.ch.LeaveGroup(s.groupID, s.identity.Email); err != nil {
		s.log.Warnf("leaveGroup for %s failed: %v", s.groupID, err)
	}
	return nil
}

func (s *Session) finishTeardown() {
	if err := s.ch.Close(); err != nil {
		s.log.Warnf("closing channel for group %s failed: %v", s.groupID, err)
	}
	s.setState(StateClosed)
}

func (s *Session) persist(ctx context.Context, msg domain.Message) {
	if err := s.store.Append(ctx, s.groupID, msg); err != nil {
		s.log.Warnf("persisting message for group %s failed: %v", s.groupID, err)
		s.reportError(err)
	}
}

func (s *Session) notifyUpdate() {
	if s.obs.OnUpdate != nil {
		s.obs.OnUpdate()
	}
}

func (s *Session) reportError(err error) {
	if s.obs.OnError != nil {
		s.obs.OnError(err)
	}
}

func (s *Session) reportProgress(pct int) {
	if s.obs.OnProgress != nil {
		s.obs.OnProgress(pct)
	}
}
