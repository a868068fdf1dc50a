package search

// DefaultPerPage is the page size used when a request does not set one.
const DefaultPerPage = 20

// Pagination describes one page of a larger result set.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// Paginate computes page accounting for totalItems. Page and perPage are
// clamped to sane values rather than rejected: page < 1 becomes 1,
// perPage < 1 becomes the default. An empty set has one (empty) page so
// total_pages is never zero.
func Paginate(totalItems, page, perPage int) Pagination {
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if page < 1 {
		page = 1
	}

	totalPages := (totalItems + perPage - 1) / perPage
	if totalPages < 1 {
		totalPages = 1
	}
	if page > totalPages {
		page = totalPages
	}

	return Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: totalItems,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// Bounds returns the half-open [start, end) slice indexes for this page.
func (p Pagination) Bounds() (int, int) {
	start := (p.Page - 1) * p.PerPage
	if start > p.TotalItems {
		start = p.TotalItems
	}
	end := start + p.PerPage
	if end > p.TotalItems {
		end = p.TotalItems
	}
	return start, end
}
