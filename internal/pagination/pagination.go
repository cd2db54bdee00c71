// Package pagination holds the page request and page envelope shared by rule
// and audit listings.
package pagination

const (
	// DefaultSize is used when a request does not ask for a page size.
	DefaultSize = 20
	// MaxSize caps the page size a client may request.
	MaxSize = 100
)

// Request selects one page. Number is zero-based.
type Request struct {
	Number int
	Size   int
}

// Normalize clamps the request into range.
func (r Request) Normalize() Request {
	if r.Number < 0 {
		r.Number = 0
	}
	if r.Size <= 0 {
		r.Size = DefaultSize
	}
	if r.Size > MaxSize {
		r.Size = MaxSize
	}
	return r
}

// Offset is the index of the first element of the page.
func (r Request) Offset() int {
	r = r.Normalize()
	return r.Number * r.Size
}

// Page is one slice of a sorted result set.
type Page[T any] struct {
	Content       []T `json:"content"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
	Number        int `json:"number"`
	Size          int `json:"size"`
}

// New builds a page envelope around content.
func New[T any](content []T, total int, req Request) Page[T] {
	req = req.Normalize()
	if content == nil {
		content = []T{}
	}
	pages := 0
	if total > 0 {
		pages = (total + req.Size - 1) / req.Size
	}
	return Page[T]{
		Content:       content,
		TotalElements: total,
		TotalPages:    pages,
		Number:        req.Number,
		Size:          req.Size,
	}
}

// Slice pages an in-memory, already sorted slice.
func Slice[T any](all []T, req Request) Page[T] {
	req = req.Normalize()
	start := req.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + req.Size
	if end > len(all) {
		end = len(all)
	}
	out := make([]T, end-start)
	copy(out, all[start:end])
	return New(out, len(all), req)
}
