package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qfit-chat/internal/auth"
	"qfit-chat/internal/domain"
	qfit_errors "qfit-chat/pkg/errors"
	"qfit-chat/pkg/logger"
)

var testIdentity = auth.Identity{Email: "alice@example.com", Name: "Alice"}

type fakeTransport struct {
	mu       sync.Mutex
	handler  func(domain.Message)
	sent     []domain.Message
	joins    []string
	leaves   []string
	sendErr  error
	closed   bool
	joinHook func()
}

func (f *fakeTransport) JoinGroup(groupID, userEmail string) error {
	f.mu.Lock()
	f.joins = append(f.joins, groupID)
	hook := f.joinHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeTransport) LeaveGroup(groupID, userEmail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, groupID)
	return nil
}

func (f *fakeTransport) Send(msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) OnMessage(h func(domain.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) push(msg domain.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeStore struct {
	mu        sync.Mutex
	data      map[string][]domain.Message
	loadErr   error
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]domain.Message)}
}

func (f *fakeStore) Load(ctx context.Context, groupID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make([]domain.Message, len(f.data[groupID]))
	copy(out, f.data[groupID])
	return out, nil
}

func (f *fakeStore) Append(ctx context.Context, groupID string, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.data[groupID] = append(f.data[groupID], msg)
	return nil
}

func (f *fakeStore) Clear(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, groupID)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) stored(groupID string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, len(f.data[groupID]))
	copy(out, f.data[groupID])
	return out
}

type fakeUploader struct {
	url   string
	err   error
	steps []int
	block chan struct{}
}

func (f *fakeUploader) Upload(ctx context.Context, groupID, localPath, fileName string, progress func(int)) (string, error) {
	for _, pct := range f.steps {
		progress(pct)
	}
	if f.block != nil {
		select {
		case <-ctx.Done():
			return "", qfit_errors.ErrUploadCancelled
		case <-f.block:
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func openTest(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.GroupID == "" {
		cfg.GroupID = "g1"
	}
	if cfg.Identity.Email == "" {
		cfg.Identity = testIdentity
	}
	if cfg.Store == nil {
		cfg.Store = newFakeStore()
	}
	if cfg.Channel == nil {
		cfg.Channel = &fakeTransport{}
	}
	cfg.Logger = logger.NewNop()

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenJoinsAndLoadsCache(t *testing.T) {
	st := newFakeStore()
	cached := domain.Message{GroupID: "g1", SenderEmail: "bob@example.com", SenderName: "Bob", Body: "earlier", SentAt: time.Now().UTC()}
	require.NoError(t, st.Append(context.Background(), "g1", cached))
	tr := &fakeTransport{}

	s := openTest(t, Config{Store: st, Channel: tr})

	require.Equal(t, StateJoined, s.State())
	require.Equal(t, []string{"g1"}, tr.joins)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "earlier", msgs[0].Body)
}

type stubHistory struct {
	msgs []domain.Message
	err  error
}

func (h *stubHistory) Messages(ctx context.Context, groupID string) ([]domain.Message, error) {
	return h.msgs, h.err
}

func TestOpenFallsBackToHistoryReplayWhenCacheEmpty(t *testing.T) {
	replay := []domain.Message{{GroupID: "g1", SenderEmail: "bob@example.com", Body: "replayed", SentAt: time.Now().UTC()}}
	s := openTest(t, Config{History: &stubHistory{msgs: replay}})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "replayed", msgs[0].Body)
}

func TestOpenSurvivesCacheFailure(t *testing.T) {
	st := newFakeStore()
	st.loadErr = errors.New("disk on fire")

	s := openTest(t, Config{Store: st})
	require.Equal(t, StateJoined, s.State())
	require.Empty(t, s.Messages())
}

func TestSendTextAppendsOnePerCallInOrder(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	s := openTest(t, Config{Store: st, Channel: tr})

	bodies := []string{"one", "two", "three"}
	for _, b := range bodies {
		require.NoError(t, s.SendText(context.Background(), b))
	}

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	for i, b := range bodies {
		require.Equal(t, b, msgs[i].Body)
		require.Equal(t, testIdentity.Email, msgs[i].SenderEmail)
	}
	require.Len(t, st.stored("g1"), 3)
	require.Equal(t, 3, tr.sentCount())
}

func TestSendTextEmptyBodyRejected(t *testing.T) {
	s := openTest(t, Config{})
	require.ErrorIs(t, s.SendText(context.Background(), ""), qfit_errors.ErrInvalidInput)
}

func TestSendTextOfflineStillEchoesAndPersists(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{sendErr: qfit_errors.ErrNotConnected}
	var surfaced error
	s := openTest(t, Config{Store: st, Channel: tr, Observer: Observer{
		OnError: func(err error) { surfaced = err },
	}})

	require.NoError(t, s.SendText(context.Background(), "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Body)
	require.Len(t, st.stored("g1"), 1)
	require.ErrorIs(t, surfaced, qfit_errors.ErrNotConnected)
}

func TestInboundOwnEchoIsDropped(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	s := openTest(t, Config{Store: st, Channel: tr})

	require.NoError(t, s.SendText(context.Background(), "hello"))

	// Server fans the message back to its own sender; any payload with
	// the session's email must be ignored.
	tr.push(domain.Message{GroupID: "g1", SenderEmail: testIdentity.Email, SenderName: "Alice", Body: "hello", SentAt: time.Now().UTC()})
	tr.push(domain.Message{GroupID: "g1", SenderEmail: testIdentity.Email, Body: "different payload entirely", SentAt: time.Now().UTC()})

	require.Len(t, s.Messages(), 1)
	require.Len(t, st.stored("g1"), 1)
}

func TestInboundFromOthersAppendedAndPersisted(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	updates := 0
	s := openTest(t, Config{Store: st, Channel: tr, Observer: Observer{
		OnUpdate: func() { updates++ },
	}})

	tr.push(domain.Message{GroupID: "g1", SenderEmail: "bob@example.com", SenderName: "Bob", Body: "hey", SentAt: time.Now().UTC()})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "bob@example.com", msgs[0].SenderEmail)
	require.Len(t, st.stored("g1"), 1)
	require.Equal(t, 1, updates)
}

func TestInboundDuringJoinIsNotDropped(t *testing.T) {
	// The broker can fan an event back as soon as joinGroup is on the
	// wire, concurrently with Open still running.
	st := newFakeStore()
	tr := &fakeTransport{}
	tr.joinHook = func() {
		go tr.push(domain.Message{GroupID: "g1", SenderEmail: "bob@example.com", SenderName: "Bob", Body: "early", SentAt: time.Now().UTC()})
	}

	s := openTest(t, Config{Store: st, Channel: tr})

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond, "event delivered during join was dropped")
	require.Equal(t, "early", s.Messages()[0].Body)
	require.Len(t, st.stored("g1"), 1)
}

func TestIdenticalTimestampsBothAppear(t *testing.T) {
	tr := &fakeTransport{}
	s := openTest(t, Config{Channel: tr})

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.push(domain.Message{GroupID: "g1", SenderEmail: "bob@example.com", Body: "b", SentAt: at})
	tr.push(domain.Message{GroupID: "g1", SenderEmail: "carol@example.com", Body: "c", SentAt: at})

	require.Len(t, s.Messages(), 2)
}

func TestLeaveClearsStoreAndClosesSession(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	s := openTest(t, Config{Store: st, Channel: tr})

	require.NoError(t, s.SendText(context.Background(), "bye"))
	require.NoError(t, s.Leave(context.Background()))

	require.Equal(t, StateClosed, s.State())
	require.Equal(t, []string{"g1"}, tr.leaves)
	require.True(t, tr.closed)
	require.Empty(t, st.stored("g1"))

	err := s.SendText(context.Background(), "after")
	require.ErrorIs(t, err, qfit_errors.ErrSessionClosed)
	require.ErrorIs(t, s.Leave(context.Background()), qfit_errors.ErrSessionClosed)
}

func TestCloseKeepsHistory(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	s := openTest(t, Config{Store: st, Channel: tr})

	require.NoError(t, s.SendText(context.Background(), "kept"))
	require.NoError(t, s.Close())

	require.Equal(t, StateClosed, s.State())
	require.True(t, tr.closed)
	require.Equal(t, []string{"g1"}, tr.leaves, "leave control message must precede teardown")
	require.Len(t, st.stored("g1"), 1)
	require.NoError(t, s.Close(), "close is idempotent")
}

func TestInboundAfterCloseIsDropped(t *testing.T) {
	tr := &fakeTransport{}
	s := openTest(t, Config{Channel: tr})

	require.NoError(t, s.Close())
	tr.push(domain.Message{GroupID: "g1", SenderEmail: "bob@example.com", Body: "late", SentAt: time.Now().UTC()})
	require.Empty(t, s.Messages())
}

func waitForUpdate(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session update")
	}
}

func TestSendAttachmentSuccess(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}
	up := &fakeUploader{url: "https://cdn.example.com/Groups/media/group_g1/run.png", steps: []int{25, 50, 100}}
	updated := make(chan struct{}, 1)
	var progress []int
	s := openTest(t, Config{Store: st, Channel: tr, Uploader: up, Observer: Observer{
		OnUpdate:   func() { updated <- struct{}{} },
		OnProgress: func(pct int) { progress = append(progress, pct) },
	}})

	require.NoError(t, s.SendAttachment(context.Background(), "/tmp/run.png", "run.png"))
	waitForUpdate(t, updated)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run.png", msgs[0].Body)
	require.Equal(t, up.url, msgs[0].AttachmentURL)
	require.Equal(t, domain.AttachmentImage, msgs[0].AttachmentKind)
	require.Len(t, st.stored("g1"), 1)
	require.Equal(t, []int{25, 50, 100}, progress)
}

func TestSendAttachmentFailureAppendsNothing(t *testing.T) {
	st := newFakeStore()
	up := &fakeUploader{err: qfit_errors.ErrUploadFailed}
	failed := make(chan error, 1)
	s := openTest(t, Config{Store: st, Uploader: up, Observer: Observer{
		OnError: func(err error) { failed <- err },
	}})

	require.NoError(t, s.SendAttachment(context.Background(), "/tmp/x.bin", "x.bin"))

	select {
	case err := <-failed:
		require.ErrorIs(t, err, qfit_errors.ErrUploadFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("upload failure never surfaced")
	}
	require.Empty(t, s.Messages())
	require.Empty(t, st.stored("g1"))
}

func TestCancelUploadAppendsNothing(t *testing.T) {
	st := newFakeStore()
	up := &fakeUploader{block: make(chan struct{})}
	failed := make(chan error, 1)
	s := openTest(t, Config{Store: st, Uploader: up, Observer: Observer{
		OnError: func(err error) { failed <- err },
	}})

	require.NoError(t, s.SendAttachment(context.Background(), "/tmp/big.zip", "big.zip"))
	s.CancelUpload()

	select {
	case err := <-failed:
		require.ErrorIs(t, err, qfit_errors.ErrUploadCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation never surfaced")
	}
	require.Empty(t, s.Messages())
	require.Empty(t, st.stored("g1"))
}

func TestSecondUploadWhileInFlightRejected(t *testing.T) {
	up := &fakeUploader{block: make(chan struct{})}
	s := openTest(t, Config{Uploader: up})

	require.NoError(t, s.SendAttachment(context.Background(), "/tmp/a.png", "a.png"))
	err := s.SendAttachment(context.Background(), "/tmp/b.png", "b.png")
	require.ErrorIs(t, err, qfit_errors.ErrUploadInFlight)
	s.CancelUpload()
}

func TestSendAttachmentWithoutUploader(t *testing.T) {
	s := openTest(t, Config{})
	require.ErrorIs(t, s.SendAttachment(context.Background(), "/tmp/a.png", "a.png"), qfit_errors.ErrUploadFailed)
}
