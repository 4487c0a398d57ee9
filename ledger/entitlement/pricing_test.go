package entitlement

import (
	"testing"

	"folio/ledger/catalog"
)

func TestProrate(t *testing.T) {
	cases := []struct {
		total     int64
		full, rem int
		want      int64
	}{
		{1000, 10, 3, 300},
		{1000, 10, 10, 1000},
		{1000, 10, 0, 0},
		{1000, 3, 2, 667},
		{1000, 10, 12, 1000},
		{1000, 10, -1, 0},
	}
	for _, tc := range cases {
		if got := Prorate(tc.total, tc.full, tc.rem); got != tc.want {
			t.Fatalf("Prorate(%d, %d, %d) = %d, want %d", tc.total, tc.full, tc.rem, got, tc.want)
		}
	}
}

func TestSplitAmountGivesRemainderToFirstUnits(t *testing.T) {
	parts := SplitAmount(100, 3)
	if len(parts) != 3 || parts[0] != 34 || parts[1] != 33 || parts[2] != 33 {
		t.Fatalf("unexpected split %v", parts)
	}
	var sum int64
	for _, p := range SplitAmount(1001, 7) {
		sum += p
	}
	if sum != 1001 {
		t.Fatalf("split leaked %d", 1001-sum)
	}
	if SplitAmount(10, 0) != nil {
		t.Fatalf("expected nil split for zero units")
	}
}

func TestBuildOptions(t *testing.T) {
	book := testBook()
	opts := BuildOptions(&book, 3)
	if len(opts) != 4 {
		t.Fatalf("expected 4 options, got %d: %+v", len(opts), opts)
	}
	want := []BundleOption{
		{Kind: OptionSinglePage, StartPage: 3, EndPage: 3, Pages: 1, FullPrice: 100, Price: 100},
		{Kind: OptionNextPages, StartPage: 3, EndPage: 7, Pages: 5, FullPrice: 500, Price: 475, DiscountBps: 500},
		{Kind: OptionBookFraction, StartPage: 3, EndPage: 6, Pages: 4, FullPrice: 400, Price: 360, DiscountBps: 1000},
		{Kind: OptionChapter, StartPage: 3, EndPage: 20, Pages: 18, FullPrice: 1800, Price: 1500, ChapterID: "ch1"},
	}
	for i := range want {
		if opts[i] != want[i] {
			t.Fatalf("option %d = %+v, want %+v", i, opts[i], want[i])
		}
	}
}

func TestBuildOptionsDeduplicatesKeepingCheaper(t *testing.T) {
	book := catalog.Book{ID: "b", AuthorWallet: "0xa", TotalPages: 50, PagePrice: 100}
	opts := BuildOptions(&book, 10)
	if len(opts) != 2 {
		t.Fatalf("expected coinciding ranges to collapse, got %+v", opts)
	}
	if opts[1].Kind != OptionBookFraction || opts[1].Price != 450 {
		t.Fatalf("expected the cheaper fraction option to survive, got %+v", opts[1])
	}
}

func TestBuildOptionsClampsAtBookEnd(t *testing.T) {
	book := testBook()
	opts := BuildOptions(&book, 40)
	// Every range collapses to the last page and the cheapest price wins.
	if len(opts) != 1 || opts[0].Price != 90 {
		t.Fatalf("unexpected options at last page: %+v", opts)
	}
	if BuildOptions(&book, 41) != nil {
		t.Fatalf("expected no options past the end")
	}
}

func TestSuggestTopUp(t *testing.T) {
	if got := SuggestTopUp(60, 1000, 5000); got != 5000 {
		t.Fatalf("minimum not applied: %d", got)
	}
	if got := SuggestTopUp(7200, 1000, 5000); got != 8000 {
		t.Fatalf("increment not applied: %d", got)
	}
	if got := SuggestTopUp(0, 1000, 5000); got != 0 {
		t.Fatalf("expected zero for no shortfall, got %d", got)
	}
}
