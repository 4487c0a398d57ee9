// Package catalog provides read-only book pricing metadata to the entitlement engine.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"folio/ledger/models"
)

var (
	// ErrBookNotFound is returned for unknown book identifiers.
	ErrBookNotFound = errors.New("catalog: book not found")
	// ErrChapterNotFound is returned when a chapter number or id is unknown.
	ErrChapterNotFound = errors.New("catalog: chapter not found")
)

// Chapter is a contiguous, inclusive page range sold at a flat price.
type Chapter struct {
	ID        string
	Number    int
	StartPage int
	EndPage   int
	Price     int64
}

// Pages returns the number of pages in the chapter.
func (c Chapter) Pages() int { return c.EndPage - c.StartPage + 1 }

// Book carries everything the pricing logic needs about one title.
type Book struct {
	ID           string
	AuthorWallet string
	TotalPages   int
	PagePrice    int64
	// Chapters are ordered by StartPage.
	Chapters []Chapter
}

// ChapterForPage returns the chapter containing page.
func (b *Book) ChapterForPage(page int) (Chapter, bool) {
	for _, ch := range b.Chapters {
		if page >= ch.StartPage && page <= ch.EndPage {
			return ch, true
		}
	}
	return Chapter{}, false
}

// ChapterByNumber looks up a chapter by its 1-based number.
func (b *Book) ChapterByNumber(number int) (Chapter, bool) {
	for _, ch := range b.Chapters {
		if ch.Number == number {
			return ch, true
		}
	}
	return Chapter{}, false
}

// Validate checks the metadata is usable for pricing.
func (b *Book) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("catalog: book id required")
	}
	if strings.TrimSpace(b.AuthorWallet) == "" {
		return fmt.Errorf("catalog: book %s has no author wallet", b.ID)
	}
	if b.TotalPages <= 0 {
		return fmt.Errorf("catalog: book %s has no pages", b.ID)
	}
	if b.PagePrice < 0 {
		return fmt.Errorf("catalog: book %s has a negative page price", b.ID)
	}
	prevEnd := 0
	for _, ch := range b.Chapters {
		if ch.StartPage <= prevEnd || ch.EndPage < ch.StartPage || ch.EndPage > b.TotalPages {
			return fmt.Errorf("catalog: book %s chapter %d has an invalid page range", b.ID, ch.Number)
		}
		if ch.Price < 0 {
			return fmt.Errorf("catalog: book %s chapter %d has a negative price", b.ID, ch.Number)
		}
		prevEnd = ch.EndPage
	}
	return nil
}

// Catalog resolves book metadata.
type Catalog interface {
	Book(ctx context.Context, id string) (*Book, error)
}

// Static is an in-memory catalog, used by tests and fixed deployments.
type Static struct {
	mu    sync.RWMutex
	books map[string]Book
}

// NewStatic builds a static catalog after validating every book.
func NewStatic(books ...Book) (*Static, error) {
	s := &Static{books: make(map[string]Book, len(books))}
	for _, b := range books {
		if err := s.Put(b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a book.
func (s *Static) Put(b Book) error {
	sortChapters(b.Chapters)
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.books[b.ID] = b
	s.mu.Unlock()
	return nil
}

// Book implements Catalog.
func (s *Static) Book(_ context.Context, id string) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	out := b
	out.Chapters = append([]Chapter(nil), b.Chapters...)
	return &out, nil
}

// Store reads books from the catalog tables.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a gorm-backed catalog.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Book implements Catalog.
func (s *Store) Book(ctx context.Context, id string) (*Book, error) {
	var row models.Book
	err := s.db.WithContext(ctx).
		Preload("Chapters", func(tx *gorm.DB) *gorm.DB { return tx.Order("start_page ASC") }).
		First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}
	book := &Book{
		ID:           row.ID,
		AuthorWallet: row.AuthorWallet,
		TotalPages:   row.TotalPages,
		PagePrice:    row.PagePrice,
	}
	for _, ch := range row.Chapters {
		book.Chapters = append(book.Chapters, Chapter{
			ID:        ch.ID,
			Number:    ch.Number,
			StartPage: ch.StartPage,
			EndPage:   ch.EndPage,
			Price:     ch.Price,
		})
	}
	if err := book.Validate(); err != nil {
		return nil, err
	}
	return book, nil
}

// Upsert writes a book and replaces its chapters. folioctl uses it to seed titles.
func (s *Store) Upsert(ctx context.Context, b Book) error {
	sortChapters(b.Chapters)
	if err := b.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.Book{
			ID:           b.ID,
			AuthorWallet: b.AuthorWallet,
			TotalPages:   b.TotalPages,
			PagePrice:    b.PagePrice,
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("book_id = ?", b.ID).Delete(&models.Chapter{}).Error; err != nil {
			return err
		}
		for _, ch := range b.Chapters {
			id := ch.ID
			if id == "" {
				id = fmt.Sprintf("%s-ch%d", b.ID, ch.Number)
			}
			chapter := models.Chapter{
				ID:        id,
				BookID:    b.ID,
				Number:    ch.Number,
				StartPage: ch.StartPage,
				EndPage:   ch.EndPage,
				Price:     ch.Price,
			}
			if err := tx.Create(&chapter).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func sortChapters(chapters []Chapter) {
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].StartPage < chapters[j].StartPage })
}
