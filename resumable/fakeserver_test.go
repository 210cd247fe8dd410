package resumable

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const sessionPathPrefix = "/upload/session/"

type fakeRequest struct {
	Method       string
	Path         string
	ContentRange string
	Header       http.Header
	Query        url.Values
	Body         []byte
	At           time.Time
}

type fakeSession struct {
	bucket    string
	object    string
	data      []byte
	finalized bool
}

// fakeGCS is an in-memory resumable upload endpoint.
type fakeGCS struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	sessions map[string]*fakeSession
	nextID   int
	requests []fakeRequest

	// intercept may answer a request instead of the fake; it returns true if it did.
	intercept func(w http.ResponseWriter, r *http.Request, body []byte) bool
	// accept limits how many bytes of the n-th (1-based) data request are committed.
	accept func(n int, body []byte) int
}

func newFakeGCS(t *testing.T) *fakeGCS {
	f := &fakeGCS{t: t, sessions: map[string]*fakeSession{}}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGCS) URL() string {
	return f.server.URL
}

func (f *fakeGCS) sessionURI(id string) string {
	return f.server.URL + sessionPathPrefix + id
}

// addSession registers a session holding data and returns its URI.
func (f *fakeGCS) addSession(bucket, object string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.sessions[id] = &fakeSession{bucket: bucket, object: object, data: append([]byte(nil), data...)}
	return f.sessionURI(id)
}

func (f *fakeGCS) finalize(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[strings.TrimPrefix(uri, f.server.URL+sessionPathPrefix)].finalized = true
}

func (f *fakeGCS) setIntercept(fn func(w http.ResponseWriter, r *http.Request, body []byte) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intercept = fn
}

func (f *fakeGCS) setAccept(fn func(n int, body []byte) int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accept = fn
}

func (f *fakeGCS) recorded() []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRequest(nil), f.requests...)
}

func (f *fakeGCS) creations() []fakeRequest {
	var out []fakeRequest
	for _, r := range f.recorded() {
		if r.Method == http.MethodPost {
			out = append(out, r)
		}
	}
	return out
}

// dataRanges returns the Content-Range of every PUT except the offset queries.
func (f *fakeGCS) dataRanges() []string {
	var out []string
	for _, r := range f.recorded() {
		if r.Method == http.MethodPut && r.ContentRange != "bytes */*" {
			out = append(out, r.ContentRange)
		}
	}
	return out
}

func (f *fakeGCS) sessionData(uri string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[strings.TrimPrefix(uri, f.server.URL+sessionPathPrefix)]
	if !ok {
		return nil
	}
	return append([]byte(nil), s.data...)
}

func (f *fakeGCS) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeGCS) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{
		Method:       r.Method,
		Path:         r.URL.Path,
		ContentRange: r.Header.Get("Content-Range"),
		Header:       r.Header.Clone(),
		Query:        r.URL.Query(),
		Body:         body,
		At:           time.Now(),
	})
	intercept := f.intercept
	f.mu.Unlock()

	if intercept != nil && intercept(w, r, body) {
		return
	}

	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/"):
		f.create(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, sessionPathPrefix):
		f.put(w, r, body)
	default:
		http.Error(w, "unexpected request", http.StatusBadRequest)
	}
}

func (f *fakeGCS) create(w http.ResponseWriter, r *http.Request) {
	bucket := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/upload/storage/v1/b/"), "/o")
	uri := f.addSession(bucket, r.URL.Query().Get("name"), nil)
	w.Header().Set("Location", uri)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeGCS) put(w http.ResponseWriter, r *http.Request, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[strings.TrimPrefix(r.URL.Path, sessionPathPrefix)]
	if !ok {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}

	contentRange := strings.TrimPrefix(r.Header.Get("Content-Range"), "bytes ")
	span, total, found := strings.Cut(contentRange, "/")
	if !found {
		http.Error(w, "invalid Content-Range", http.StatusBadRequest)
		return
	}

	if s.finalized {
		writeObject(w, s)
		return
	}

	if span == "*" {
		if total == "*" {
			writeRange(w, s)
			return
		}
		if strconv.Itoa(len(s.data)) != total {
			http.Error(w, "size mismatch", http.StatusBadRequest)
			return
		}
		s.finalized = true
		writeObject(w, s)
		return
	}

	first, _, _ := strings.Cut(span, "-")
	start, err := strconv.Atoi(first)
	if err != nil || start > len(s.data) {
		http.Error(w, "invalid start offset", http.StatusBadRequest)
		return
	}

	dataRequests := 0
	for _, req := range f.requests {
		if req.Method == http.MethodPut && !strings.HasPrefix(req.ContentRange, "bytes */") {
			dataRequests++
		}
	}

	accepted := body
	if f.accept != nil {
		accepted = body[:f.accept(dataRequests, body)]
	}
	if overlap := len(s.data) - start; overlap < len(accepted) {
		s.data = append(s.data, accepted[overlap:]...)
	}

	streamed := strings.HasSuffix(span, "-*")
	if (total != "*" && strconv.Itoa(len(s.data)) == total) || (streamed && total == "*" && len(accepted) == len(body)) {
		s.finalized = true
		writeObject(w, s)
		return
	}
	writeRange(w, s)
}

func writeRange(w http.ResponseWriter, s *fakeSession) {
	if len(s.data) > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(s.data)-1))
	}
	w.WriteHeader(http.StatusPermanentRedirect)
}

func writeObject(w http.ResponseWriter, s *fakeSession) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"bucket":%q,"name":%q,"size":"%d","generation":"1","metageneration":"1"}`,
		s.bucket, s.object, len(s.data))
}
