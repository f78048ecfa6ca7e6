package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chattered/internal/conversation"
	"chattered/internal/models"
)

var ErrPageNotFound = errors.New("page not found")

// Publisher delivers view updates to whatever is watching a page.
type Publisher interface {
	Publish(ctx context.Context, pageID uuid.UUID, msg models.WSMessage)
}

// PageCloser drops the live connections of a page that is gone.
type PageCloser interface {
	ClosePage(pageID uuid.UUID)
}

// Page is one loaded browser page and the conversation it owns.
type Page struct {
	ID         uuid.UUID
	Controller *conversation.Controller
	CreatedAt  time.Time
	lastSeen   time.Time
}

// PageService keeps the conversations of open pages in memory. Nothing
// survives a reload: every page load gets a fresh conversation.
type PageService struct {
	mu          sync.Mutex
	pages       map[uuid.UUID]*Page
	factory     conversation.SessionFactory
	publisher   Publisher
	presenter   *Presenter
	closer      PageCloser
	idleTimeout time.Duration
	now         func() time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
}

func NewPageService(factory conversation.SessionFactory, publisher Publisher, presenter *Presenter, idleTimeout time.Duration) *PageService {
	return &PageService{
		pages:       make(map[uuid.UUID]*Page),
		factory:     factory,
		publisher:   publisher,
		presenter:   presenter,
		idleTimeout: idleTimeout,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
}

// SetCloser makes idle eviction close the evicted pages' sockets, which
// tells their browsers the conversation is gone.
func (s *PageService) SetCloser(closer PageCloser) {
	s.mu.Lock()
	s.closer = closer
	s.mu.Unlock()
}

// Create registers a page and starts its session.
func (s *PageService) Create(ctx context.Context) *Page {
	id := uuid.New()
	opts := []conversation.Option{}
	if s.publisher != nil {
		opts = append(opts, conversation.WithObserver(func(snap models.Snapshot) {
			s.publisher.Publish(context.Background(), id, models.WSMessage{
				Type:    models.WSTypeState,
				Payload: s.presenter.Present(snap),
			})
		}))
	}

	now := s.now()
	page := &Page{
		ID:         id,
		Controller: conversation.NewController(s.factory, opts...),
		CreatedAt:  now,
		lastSeen:   now,
	}

	s.mu.Lock()
	s.pages[id] = page
	s.mu.Unlock()

	// Failures land in the page's error line.
	page.Controller.EnsureSession(ctx)
	return page
}

// Get returns the page and marks it as active.
func (s *PageService) Get(id uuid.UUID) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[id]
	if !ok {
		return nil, ErrPageNotFound
	}
	page.lastSeen = s.now()
	return page, nil
}

func (s *PageService) Remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.pages, id)
	s.mu.Unlock()
}

func (s *PageService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

// Start runs the idle page cleanup until Stop is called.
func (s *PageService) Start() {
	if s.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				if n := s.evictIdle(); n > 0 {
					log.Printf("Evicted %d idle pages", n)
				}
			}
		}
	}()
}

func (s *PageService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *PageService) evictIdle() int {
	cutoff := s.now().Add(-s.idleTimeout)

	s.mu.Lock()
	var evicted []uuid.UUID
	for id, page := range s.pages {
		if page.lastSeen.Before(cutoff) && !page.Controller.Snapshot().Generating {
			delete(s.pages, id)
			evicted = append(evicted, id)
		}
	}
	closer := s.closer
	s.mu.Unlock()

	if closer != nil {
		for _, id := range evicted {
			closer.ClosePage(id)
		}
	}
	return len(evicted)
}
