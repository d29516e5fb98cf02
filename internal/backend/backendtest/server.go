// Package backendtest provides an in-process fake of the backend API for tests
// of the scheduler, the consumer and the backend client.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"

	"taskreports/internal/pagination"
	"taskreports/internal/types"
)

// Limits applied to the user id listing.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Server serves the two internal endpoints from in-memory data.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	apiKey         string
	userIDs        []int64
	reports        map[int64]types.UserTaskReport
	failures       []int // statuses to return for the next report calls
	listFailures   []int
	alwaysFail     int
	gzip           bool
	retryAfter     string
	reportRequests []types.TaskReportsRequest
	listCursors    []string
	headers        []http.Header
}

// New starts a fake backend. apiKey, when non-empty, is required on every call.
func New(apiKey string) *Server {
	s := &Server{apiKey: apiKey, reports: map[int64]types.UserTaskReport{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /internal/scheduler-support/user-ids", s.handleUserIDs)
	mux.HandleFunc("POST /internal/tasks/user-reports", s.handleReports)
	s.Server = httptest.NewServer(s.authenticate(mux))
	return s
}

// SetUsers replaces the set of active users.
func (s *Server) SetUsers(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userIDs = append([]int64(nil), ids...)
	sort.Slice(s.userIDs, func(i, j int) bool { return s.userIDs[i] < s.userIDs[j] })
}

// SetReport registers the report returned for a user. Users without a
// registered report are omitted from responses.
func (s *Server) SetReport(r types.UserTaskReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.UserID] = r
}

// FailNextReports makes the next report calls answer with the given statuses,
// in order. http.StatusOK lets a call through.
func (s *Server) FailNextReports(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// FailNextListings is FailNextReports for the user id listing.
func (s *Server) FailNextListings(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listFailures = append(s.listFailures, statuses...)
}

// AlwaysFail answers every call with status. Zero disables it.
func (s *Server) AlwaysFail(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alwaysFail = status
}

// RetryAfter sets the Retry-After header sent with injected failures.
func (s *Server) RetryAfter(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryAfter = v
}

// GzipResponses compresses successful response bodies.
func (s *Server) GzipResponses(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gzip = on
}

// ReportRequests returns the decoded bodies of every report call received.
func (s *Server) ReportRequests() []types.TaskReportsRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TaskReportsRequest(nil), s.reportRequests...)
}

// ListCursors returns the cursor of every listing call, "" for the first page.
func (s *Server) ListCursors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.listCursors...)
}

// Headers returns the request headers of every call received.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()

		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) nextFailure(queue *[]int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alwaysFail != 0 {
		return s.alwaysFail
	}
	if len(*queue) == 0 {
		return 0
	}
	status := (*queue)[0]
	*queue = (*queue)[1:]
	if status == http.StatusOK {
		return 0
	}
	return status
}

func (s *Server) fail(w http.ResponseWriter, status int) {
	s.mu.Lock()
	retryAfter := s.retryAfter
	s.mu.Unlock()
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	http.Error(w, `{"error":"injected failure"}`, status)
}

func (s *Server) handleUserIDs(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	s.mu.Lock()
	s.listCursors = append(s.listCursors, cursor)
	s.mu.Unlock()

	if status := s.nextFailure(&s.listFailures); status != 0 {
		s.fail(w, status)
		return
	}

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	after := pagination.DecodeCursor(cursor)

	s.mu.Lock()
	page := make([]int64, 0, limit)
	hasMore := false
	for _, id := range s.userIDs {
		if id <= after {
			continue
		}
		if len(page) == limit {
			hasMore = true
			break
		}
		page = append(page, id)
	}
	s.mu.Unlock()

	resp := types.PaginatedUserIDsResponse{Data: page}
	if hasMore {
		next := pagination.EncodeCursor(page[len(page)-1])
		resp.PageInfo = types.PageInfo{HasNextPage: true, NextPageCursor: &next}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	var req types.TaskReportsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.reportRequests = append(s.reportRequests, req)
	s.mu.Unlock()

	if status := s.nextFailure(&s.failures); status != 0 {
		s.fail(w, status)
		return
	}

	s.mu.Lock()
	out := make([]types.UserTaskReport, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		if report, ok := s.reports[id]; ok {
			out = append(out, report)
		}
	}
	s.mu.Unlock()

	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	s.mu.Lock()
	compress := s.gzip
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !compress {
		_ = json.NewEncoder(w).Encode(v)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	_ = json.NewEncoder(gz).Encode(v)
}
