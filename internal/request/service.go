package request

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/internal/persistence"
	"github.com/subtrackd/subtrackd/pkg/log"
)

// Store is the slice of persistence the lifecycle service needs.
type Store interface {
	InsertRequest(ctx context.Context, r *model.TranslationRequest) error
	GetRequest(ctx context.Context, id int64) (*model.TranslationRequest, error)
	ActiveRequest(ctx context.Context, mediaID int64, kind model.MediaKind, sourceLang, targetLang string) (*model.TranslationRequest, error)
	ListRequestsByStatus(ctx context.Context, statuses ...model.RequestStatus) ([]*model.TranslationRequest, error)
	UpdateRequestStatus(ctx context.Context, id int64, status model.RequestStatus) error
	DeleteRequest(ctx context.Context, id int64) error
	AppendRequestLog(ctx context.Context, requestID int64, level, message, details string) error
}

// ProgressEvent is one live update on a request, fanned out to
// subscribers alongside the persisted progress column.
type ProgressEvent struct {
	RequestID int64
	Progress  int
	Status    model.RequestStatus
}

// ErrNotFound is returned for operations on unknown request ids.
var ErrNotFound = errors.New("request: not found")

// Service owns the request lifecycle: creation with dedupe, cancellation,
// and retry. Running requests are cancelled through registered cancel
// functions; everything else goes straight to the store.
type Service struct {
	store Store

	mu          sync.Mutex
	cancels     map[int64]context.CancelFunc
	subscribers map[chan ProgressEvent]struct{}
}

func NewService(store Store) *Service {
	return &Service{
		store:       store,
		cancels:     make(map[int64]context.CancelFunc),
		subscribers: make(map[chan ProgressEvent]struct{}),
	}
}

// Create enqueues a new pending request for one media/language pair. If
// an active request already holds the slot it is returned instead; the
// partial unique index closes the race between concurrent creators.
func (s *Service) Create(ctx context.Context, m model.Media, sourceLang, targetLang string) (*model.TranslationRequest, error) {
	existing, err := s.store.ActiveRequest(ctx, m.MediaID(), m.Kind(), sourceLang, targetLang)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	req := &model.TranslationRequest{
		Title:          m.MediaTitle(),
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		MediaID:        m.MediaID(),
		MediaKind:      m.Kind(),
		IsPriority:     m.Priority(),
	}
	err = s.store.InsertRequest(ctx, req)
	if errors.Is(err, persistence.ErrDuplicateActive) {
		// lost the race; the winner's row is the request
		return s.store.ActiveRequest(ctx, m.MediaID(), m.Kind(), sourceLang, targetLang)
	}
	if err != nil {
		return nil, err
	}
	log.Info("request %d created: %s %s -> %s", req.ID, m.MediaTitle(), sourceLang, targetLang)
	return req, nil
}

// Cancel stops one request. Pending rows transition directly; running
// rows get their worker context cancelled and the worker finishes the
// transition itself.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrNotFound
	}

	switch req.Status {
	case model.StatusPending:
		if err := s.store.UpdateRequestStatus(ctx, id, model.StatusCancelled); err != nil {
			return err
		}
		_ = s.store.AppendRequestLog(ctx, id, "info", "cancelled while queued", "")
		return nil
	case model.StatusInProgress:
		s.mu.Lock()
		cancel, ok := s.cancels[id]
		s.mu.Unlock()
		if !ok {
			// no live worker (e.g. crashed mid-run); finalize directly
			return s.store.UpdateRequestStatus(ctx, id, model.StatusCancelled)
		}
		cancel()
		return nil
	default:
		return fmt.Errorf("request: %d is %s, nothing to cancel", id, req.Status)
	}
}

// Retry re-enqueues a failed or cancelled request as a fresh pending row.
// The original row stays in history untouched.
func (s *Service) Retry(ctx context.Context, id int64) (*model.TranslationRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrNotFound
	}
	if req.Status != model.StatusFailed && req.Status != model.StatusCancelled {
		return nil, fmt.Errorf("request: %d is %s, only failed or cancelled requests retry", id, req.Status)
	}

	fresh := &model.TranslationRequest{
		Title:          req.Title,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		SubtitlePath:   req.SubtitlePath,
		MediaID:        req.MediaID,
		MediaKind:      req.MediaKind,
		IsPriority:     req.IsPriority,
	}
	err = s.store.InsertRequest(ctx, fresh)
	if errors.Is(err, persistence.ErrDuplicateActive) {
		return s.store.ActiveRequest(ctx, req.MediaID, req.MediaKind, req.SourceLanguage, req.TargetLanguage)
	}
	if err != nil {
		return nil, err
	}
	log.Info("request %d retried as %d", id, fresh.ID)
	return fresh, nil
}

// RetryAllFailed re-enqueues every failed request, skipping pairs that
// already have a live row.
func (s *Service) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := s.store.ListRequestsByStatus(ctx, model.StatusFailed)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range failed {
		if _, err := s.Retry(ctx, req.ID); err != nil {
			log.Warn("retry of request %d skipped: %v", req.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// CancelAllQueued cancels every pending request.
func (s *Service) CancelAllQueued(ctx context.Context) (int, error) {
	pending, err := s.store.ListRequestsByStatus(ctx, model.StatusPending)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range pending {
		if err := s.Cancel(ctx, req.ID); err != nil {
			log.Warn("cancel of request %d failed: %v", req.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// Remove deletes a terminal request and its log history. Live requests
// must be cancelled first.
func (s *Service) Remove(ctx context.Context, id int64) error {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrNotFound
	}
	if !req.Status.Terminal() {
		return fmt.Errorf("request: %d is %s, cancel it before removing", id, req.Status)
	}
	return s.store.DeleteRequest(ctx, id)
}

// Subscribe returns a channel of progress events that closes when ctx
// ends. Events to a full subscriber are dropped, never blocked on.
func (s *Service) Subscribe(ctx context.Context) <-chan ProgressEvent {
	ch := make(chan ProgressEvent, 16)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Publish fans one progress event out to all subscribers.
func (s *Service) Publish(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// RegisterCancel hands the service the means to interrupt a running
// request. The worker must call UnregisterCancel when it finishes.
func (s *Service) RegisterCancel(id int64, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *Service) UnregisterCancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}
