package domain

// Pagination asks for one page of a list. PageToken is the opaque value a previous page
// returned; empty means the first page.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is one page of results. NextPageToken is empty on the last page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery bounds a field on both sides. Nil ends are open and set ends are inclusive.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}
