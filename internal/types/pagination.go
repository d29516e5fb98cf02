package types

// PageInfo is the pagination block returned by the backend's keyset-paginated
// listing endpoints.
type PageInfo struct {
	HasNextPage    bool    `json:"hasNextPage"`
	NextPageCursor *string `json:"nextPageCursor"`
}

// PaginatedUserIDsResponse is the body of
// GET /internal/scheduler-support/user-ids.
type PaginatedUserIDsResponse struct {
	Data     []int64  `json:"data"`
	PageInfo PageInfo `json:"pageInfo"`
}

// NextCursor returns the cursor to request the following page with, and false
// when the listing is exhausted. A page that claims more data but carries no
// cursor is treated as the last page.
func (r PaginatedUserIDsResponse) NextCursor() (string, bool) {
	if !r.PageInfo.HasNextPage || r.PageInfo.NextPageCursor == nil || *r.PageInfo.NextPageCursor == "" {
		return "", false
	}
	return *r.PageInfo.NextPageCursor, true
}
