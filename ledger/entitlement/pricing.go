package entitlement

import (
	"folio/ledger/catalog"
)

// OptionKind names a bundle shape offered to a reader.
type OptionKind string

// Bundle option kinds, in the order they are offered.
const (
	OptionSinglePage   OptionKind = "single_page"
	OptionNextPages    OptionKind = "next_pages"
	OptionBookFraction OptionKind = "book_fraction"
	OptionChapter      OptionKind = "chapter_remainder"
)

// BundleOption is a priced, inclusive page range starting at the reader's page.
type BundleOption struct {
	Kind        OptionKind
	StartPage   int
	EndPage     int
	Pages       int
	FullPrice   int64
	Price       int64
	DiscountBps int64
	ChapterID   string
}

// Pricing holds the bundle shape parameters.
type Pricing struct {
	NextPages            int
	NextPagesDiscount    int64
	BookFractionPercent  int
	BookFractionDiscount int64
}

// DefaultPricing is five pages at 5% off and a tenth of the book at 10% off.
func DefaultPricing() Pricing {
	return Pricing{
		NextPages:            5,
		NextPagesDiscount:    500,
		BookFractionPercent:  10,
		BookFractionDiscount: 1000,
	}
}

// BuildOptions returns the candidate bundles for a reader on currentPage. Options
// covering the same range are collapsed, keeping the cheaper one.
func BuildOptions(book *catalog.Book, currentPage int) []BundleOption {
	return DefaultPricing().BuildOptions(book, currentPage)
}

// BuildOptions is the configurable form of the package-level BuildOptions.
func (p Pricing) BuildOptions(book *catalog.Book, currentPage int) []BundleOption {
	candidates := p.candidates(book, currentPage)
	out := make([]BundleOption, 0, len(candidates))
	index := make(map[[2]int]int, len(candidates))
	for _, opt := range candidates {
		key := [2]int{opt.StartPage, opt.EndPage}
		if i, ok := index[key]; ok {
			if opt.Price < out[i].Price {
				out[i] = opt
			}
			continue
		}
		index[key] = len(out)
		out = append(out, opt)
	}
	return out
}

// candidates lists every option shape before deduplication so a purchase can be
// recomputed by kind even when its range coincides with another option.
func (p Pricing) candidates(book *catalog.Book, currentPage int) []BundleOption {
	if book == nil || currentPage < 1 || currentPage > book.TotalPages {
		return nil
	}
	opts := []BundleOption{
		p.flatRange(book, OptionSinglePage, currentPage, currentPage, 0),
	}
	if p.NextPages > 1 {
		end := min(currentPage+p.NextPages-1, book.TotalPages)
		opts = append(opts, p.flatRange(book, OptionNextPages, currentPage, end, p.NextPagesDiscount))
	}
	if p.BookFractionPercent > 0 {
		span := (book.TotalPages*p.BookFractionPercent + 99) / 100
		end := min(currentPage+span-1, book.TotalPages)
		opts = append(opts, p.flatRange(book, OptionBookFraction, currentPage, end, p.BookFractionDiscount))
	}
	if ch, ok := book.ChapterForPage(currentPage); ok {
		pages := ch.EndPage - currentPage + 1
		opts = append(opts, BundleOption{
			Kind:      OptionChapter,
			StartPage: currentPage,
			EndPage:   ch.EndPage,
			Pages:     pages,
			FullPrice: book.PagePrice * int64(pages),
			Price:     ch.Price,
			ChapterID: ch.ID,
		})
	}
	return opts
}

func (p Pricing) flatRange(book *catalog.Book, kind OptionKind, start, end int, discountBps int64) BundleOption {
	pages := end - start + 1
	full := book.PagePrice * int64(pages)
	return BundleOption{
		Kind:        kind,
		StartPage:   start,
		EndPage:     end,
		Pages:       pages,
		FullPrice:   full,
		Price:       full - full*discountBps/10_000,
		DiscountBps: discountBps,
	}
}

// Prorate charges for remaining of full units, rounding up so a partial bundle
// never costs the platform revenue.
func Prorate(total int64, fullCount, remainingCount int) int64 {
	if remainingCount <= 0 {
		return 0
	}
	if remainingCount >= fullCount {
		return total
	}
	full := int64(fullCount)
	return (total*int64(remainingCount) + full - 1) / full
}

// SplitAmount divides total across n units. The remainder goes one unit at a
// time to the first units so the parts sum to total.
func SplitAmount(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	parts := make([]int64, n)
	base, rem := total/int64(n), total%int64(n)
	for i := range parts {
		parts[i] = base
		if int64(i) < rem {
			parts[i]++
		}
	}
	return parts
}
