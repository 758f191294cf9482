package ctfd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
)

const testToken = "ctfd_test_token"

type storedFile struct {
	file
	challengeID int
	content     string
}

// fakeCTFd serves the subset of the CTFd admin API the client uses.
type fakeCTFd struct {
	t *testing.T

	mu           sync.Mutex
	nextID       int
	pageSize     int
	challenges   map[int]*challengeDetail
	tags         []tag
	flags        []flag
	hints        []hint
	files        []storedFile
	requirements map[int][]int
	requests     []string
	failTags     bool
}

func newFakeCTFd(t *testing.T) (*fakeCTFd, *httptest.Server) {
	f := &fakeCTFd{
		t:            t,
		nextID:       100,
		pageSize:     2,
		challenges:   make(map[int]*challengeDetail),
		requirements: make(map[int][]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/tags", f.listTags)
	mux.HandleFunc("POST /api/v1/tags", f.createTag)
	mux.HandleFunc("GET /api/v1/challenges", f.listChallenges)
	mux.HandleFunc("POST /api/v1/challenges", f.createChallenge)
	mux.HandleFunc("GET /api/v1/challenges/{id}", f.getChallenge)
	mux.HandleFunc("PATCH /api/v1/challenges/{id}", f.patchChallenge)
	mux.HandleFunc("DELETE /api/v1/challenges/{id}", f.deleteChallenge)
	mux.HandleFunc("GET /api/v1/challenges/{id}/flags", f.listFlags)
	mux.HandleFunc("GET /api/v1/challenges/{id}/hints", f.listHints)
	mux.HandleFunc("GET /api/v1/challenges/{id}/files", f.listFiles)
	mux.HandleFunc("GET /api/v1/challenges/{id}/tags", f.listChallengeTags)
	mux.HandleFunc("GET /api/v1/challenges/{id}/requirements", f.getRequirements)
	mux.HandleFunc("POST /api/v1/flags", f.createFlag)
	mux.HandleFunc("DELETE /api/v1/flags/{id}", f.deleteFlag)
	mux.HandleFunc("POST /api/v1/hints", f.createHint)
	mux.HandleFunc("DELETE /api/v1/hints/{id}", f.deleteHint)
	mux.HandleFunc("DELETE /api/v1/tags/{id}", f.deleteTag)
	mux.HandleFunc("POST /api/v1/files", f.uploadFile)
	mux.HandleFunc("DELETE /api/v1/files/{id}", f.deleteFile)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token "+testToken {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"success": false, "message": "bad token"}`))
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

// seed adds a tagged challenge and returns its CTFd id.
func (f *fakeCTFd) seed(local string, d challengeDetail) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	d.ID = f.nextID
	f.challenges[d.ID] = &d
	if local != "" {
		f.tags = append(f.tags, tag{ID: f.nextTagID(), ChallengeID: d.ID, Value: TagPrefix + local})
	}
	return d.ID
}

// tagValues returns the values of the tags on challenge n, in creation order.
func (f *fakeCTFd) tagValues(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.tags {
		if t.ChallengeID == n {
			out = append(out, t.Value)
		}
	}
	return out
}

func (f *fakeCTFd) nextTagID() int {
	id := 1
	for _, t := range f.tags {
		id = max(id, t.ID+1)
	}
	return id
}

func (f *fakeCTFd) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func writeData(w http.ResponseWriter, data any, m *meta) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: raw, Meta: m})
}

func pathID(r *http.Request) int {
	n, _ := strconv.Atoi(r.PathValue("id"))
	return n
}

func paginate[T any](r *http.Request, items []T, size int) ([]T, *meta) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start > len(items) {
		start = len(items)
	}
	end := min(start+size, len(items))
	p := &pagination{Page: page, Total: len(items)}
	if end < len(items) {
		next := page + 1
		p.Next = &next
	}
	return items[start:end], &meta{Pagination: p}
}

func (f *fakeCTFd) listTags(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, m := paginate(r, f.tags, f.pageSize)
	writeData(w, page, m)
}

func (f *fakeCTFd) createTag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTags {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success": false, "errors": {"value": ["bad tag"]}}`))
		return
	}
	var t tag
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&t))
	t.ID = f.nextTagID()
	f.tags = append(f.tags, t)
	writeData(w, t, nil)
}

func (f *fakeCTFd) listChallengeTags(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := pathID(r)
	out := []tag{}
	for _, t := range f.tags {
		if t.ChallengeID == n {
			out = append(out, t)
		}
	}
	writeData(w, out, nil)
}

func (f *fakeCTFd) deleteTag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := pathID(r)
	f.tags = slices.DeleteFunc(f.tags, func(t tag) bool { return t.ID == n })
	writeData(w, nil, nil)
}

func (f *fakeCTFd) listChallenges(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(f.t, "admin", r.URL.Query().Get("view"))
	ids := make([]int, 0, len(f.challenges))
	for id := range f.challenges {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var items []challengeSummary
	for _, id := range ids {
		c := f.challenges[id]
		items = append(items, challengeSummary{ID: c.ID, Name: c.Name, Category: c.Category, State: c.State})
	}
	page, m := paginate(r, items, f.pageSize)
	writeData(w, page, m)
}

func (f *fakeCTFd) createChallenge(w http.ResponseWriter, r *http.Request) {
	var body challengeCreate
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	id := f.seed("", challengeDetail{
		Name: body.Name, Category: body.Category, Description: body.Description, Value: body.Value,
		State: body.State, Type: body.Type, ConnectionInfo: body.ConnectionInfo, MaxAttempts: body.MaxAttempts,
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	writeData(w, f.challenges[id], nil)
}

func (f *fakeCTFd) getChallenge(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[pathID(r)]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeData(w, c, nil)
}

func (f *fakeCTFd) patchChallenge(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[pathID(r)]
	if !ok {
		http.NotFound(w, r)
		return
	}
	var body map[string]json.RawMessage
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	for k, v := range body {
		switch k {
		case "name":
			_ = json.Unmarshal(v, &c.Name)
		case "value":
			_ = json.Unmarshal(v, &c.Value)
		case "state":
			_ = json.Unmarshal(v, &c.State)
		case "description":
			_ = json.Unmarshal(v, &c.Description)
		case "requirements":
			var reqs requirements
			_ = json.Unmarshal(v, &reqs)
			f.requirements[c.ID] = reqs.Prerequisites
		}
	}
	writeData(w, c, nil)
}

func (f *fakeCTFd) deleteChallenge(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := pathID(r)
	delete(f.challenges, id)
	var kept []tag
	for _, t := range f.tags {
		if t.ChallengeID != id {
			kept = append(kept, t)
		}
	}
	f.tags = kept
	w.WriteHeader(http.StatusOK)
}

func (f *fakeCTFd) listFlags(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []flag
	for _, fl := range f.flags {
		if fl.ChallengeID == pathID(r) {
			out = append(out, fl)
		}
	}
	writeData(w, out, nil)
}

func (f *fakeCTFd) createFlag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fl flag
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&fl))
	f.nextID++
	fl.ID = f.nextID
	f.flags = append(f.flags, fl)
	writeData(w, fl, nil)
}

func (f *fakeCTFd) deleteFlag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []flag
	for _, fl := range f.flags {
		if fl.ID != pathID(r) {
			kept = append(kept, fl)
		}
	}
	f.flags = kept
	_ = json.NewEncoder(w).Encode(envelope{Success: true})
}

func (f *fakeCTFd) listHints(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hint
	for _, h := range f.hints {
		if h.ChallengeID == pathID(r) {
			out = append(out, h)
		}
	}
	// CTFd does not promise an order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	writeData(w, out, nil)
}

func (f *fakeCTFd) createHint(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var h hint
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&h))
	f.nextID++
	h.ID = f.nextID
	f.hints = append(f.hints, h)
	writeData(w, h, nil)
}

func (f *fakeCTFd) deleteHint(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []hint
	for _, h := range f.hints {
		if h.ID != pathID(r) {
			kept = append(kept, h)
		}
	}
	f.hints = kept
	_ = json.NewEncoder(w).Encode(envelope{Success: true})
}

func (f *fakeCTFd) listFiles(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []file{}
	for _, sf := range f.files {
		if sf.challengeID == pathID(r) {
			out = append(out, sf.file)
		}
	}
	writeData(w, out, nil)
}

func (f *fakeCTFd) uploadFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.NoError(f.t, r.ParseMultipartForm(1<<20))
	challengeID, _ := strconv.Atoi(r.FormValue("challenge_id"))
	assert.Equal(f.t, "challenge", r.FormValue("type"))
	part, header, err := r.FormFile("file")
	if !assert.NoError(f.t, err) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	content, _ := io.ReadAll(part)

	f.nextID++
	sf := storedFile{
		file:        file{ID: f.nextID, Type: "challenge", Location: "abc123/" + header.Filename},
		challengeID: challengeID,
		content:     string(content),
	}
	f.files = append(f.files, sf)
	writeData(w, []file{sf.file}, nil)
}

func (f *fakeCTFd) deleteFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []storedFile
	for _, sf := range f.files {
		if sf.ID != pathID(r) {
			kept = append(kept, sf)
		}
	}
	f.files = kept
	_ = json.NewEncoder(w).Encode(envelope{Success: true})
}

func (f *fakeCTFd) getRequirements(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs, ok := f.requirements[pathID(r)]
	if !ok {
		writeData(w, nil, nil)
		return
	}
	writeData(w, requirements{Prerequisites: reqs}, nil)
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	c, err := NewClient(srv.URL+"/", testToken, opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("not a url", testToken)
	assert.Error(t, err)

	_, err = NewClient("https://ctf.example.com", "")
	assert.Error(t, err)

	c, err := NewClient("https://ctf.example.com/", testToken, WithCacheSize(0), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "https://ctf.example.com", c.BaseURL())
	assert.Nil(t, c.cache)
	assert.Equal(t, time.Second, c.timeout)
}

func TestListChallenges_PagesAndFiltersUntagged(t *testing.T) {
	f, srv := newFakeCTFd(t)
	f.seed("web-login", challengeDetail{Name: "Login", Category: "web", State: "visible"})
	f.seed("", challengeDetail{Name: "Manual", Category: "misc", State: "hidden"})
	f.seed("pwn-heap", challengeDetail{Name: "Heap", Category: "pwn", State: "hidden"})
	f.seed("crypto-rsa", challengeDetail{Name: "RSA", Category: "crypto", State: "hidden"})

	c := newTestClient(t, srv)
	ctx := context.Background()

	var all []platform.RemoteSummary
	cursor := ""
	pages := 0
	for {
		page, next, err := c.ListChallenges(ctx, cursor)
		require.NoError(t, err)
		all = append(all, page...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, 2, pages)
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"web-login", "pwn-heap", "crypto-rsa"}, ids)
	assert.Equal(t, "visible", all[0].Visibility)
	// Tags span two pages of two.
	assert.Equal(t, 2, f.count("GET /api/v1/tags"))
}

func TestListChallenges_BadCursor(t *testing.T) {
	_, srv := newFakeCTFd(t)
	c := newTestClient(t, srv)

	_, _, err := c.ListChallenges(context.Background(), "zero")
	require.Error(t, err)
	assert.Equal(t, platform.KindRejected, platform.KindOf(err))
}

func TestGetChallenge_ComposesAndCaches(t *testing.T) {
	f, srv := newFakeCTFd(t)
	sanity := f.seed("sanity", challengeDetail{Name: "Sanity", Category: "misc", State: "visible", Value: 10})
	unmanaged := f.seed("", challengeDetail{Name: "Manual"})
	id := f.seed("web-login", challengeDetail{
		Name: "Login", Category: "web", Description: "desc", Value: 100, State: "hidden",
		ConnectionInfo: "https://login.example", MaxAttempts: 5,
	})
	f.flags = []flag{{ID: 1, ChallengeID: id, Type: "static", Content: "acme{x}", Data: "case_insensitive"}}
	f.hints = []hint{
		{ID: 1, ChallengeID: id, Content: "first", Cost: 0},
		{ID: 2, ChallengeID: id, Content: "second", Cost: 10},
	}
	f.files = []storedFile{{file: file{ID: 9, Type: "challenge", Location: "abc/app.zip", SHA1: "DEADBEEF"}, challengeID: id}}
	f.requirements[id] = []int{sanity, unmanaged}

	c := newTestClient(t, srv)
	ctx := context.Background()

	got, err := c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)

	want := &platform.RemoteChallenge{
		ID: "web-login", Name: "Login", Category: "web", Description: "desc", Value: 100, State: "hidden",
		ConnectionInfo: "https://login.example", MaxAttempts: 5,
		Flags:         []platform.RemoteFlag{{Type: "static", Content: "acme{x}", Data: "case_insensitive"}},
		Hints:         []platform.RemoteHint{{Content: "first"}, {Content: "second", Cost: 10}},
		Files:         []platform.RemoteFile{{Location: "abc/app.zip", SHA1: "DEADBEEF"}},
		Prerequisites: []string{"sanity", "#" + strconv.Itoa(unmanaged)},
	}
	assert.Equal(t, want, got)

	norm := got.Normalize()
	assert.True(t, norm.Flags[0].CaseInsensitive)
	assert.Equal(t, "app.zip", norm.Files[0].Name)
	assert.Equal(t, "deadbeef", norm.Files[0].SHA1)

	// Mutating the returned record does not leak into the cache.
	got.Hints[0].Content = "changed"
	_, err = c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("GET /api/v1/challenges/"+strconv.Itoa(id)+"/flags"))

	again, err := c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)
	assert.Equal(t, "first", again.Hints[0].Content)
}

func TestGetChallenge_NotManaged(t *testing.T) {
	f, srv := newFakeCTFd(t)
	f.seed("", challengeDetail{Name: "Manual"})
	c := newTestClient(t, srv)

	_, err := c.GetChallenge(context.Background(), "manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, platform.ErrNotFound))
}

func TestCreateChallenge_Tags(t *testing.T) {
	f, srv := newFakeCTFd(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	def := challenge.Definition{
		ID: "web-login", Category: "web", Value: 100, Visibility: challenge.VisibilityHidden,
		MaxAttempts: 3,
	}
	require.NoError(t, c.CreateChallenge(ctx, def))

	require.Len(t, f.tags, 1)
	assert.Equal(t, TagPrefix+"web-login", f.tags[0].Value)
	created := f.challenges[f.tags[0].ChallengeID]
	assert.Equal(t, "web-login", created.Name, "display name falls back to the id")
	assert.Equal(t, "standard", created.Type)
	assert.Equal(t, 3, created.MaxAttempts)

	got, err := c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)
	assert.Equal(t, "hidden", got.State)
}

func TestCreateChallenge_TagFailureCleansUp(t *testing.T) {
	f, srv := newFakeCTFd(t)
	f.failTags = true
	c := newTestClient(t, srv)

	err := c.CreateChallenge(context.Background(), challenge.Definition{ID: "web-login", Category: "web", Visibility: challenge.VisibilityHidden})
	require.Error(t, err)
	assert.Equal(t, platform.KindRejected, platform.KindOf(err))
	assert.Empty(t, f.challenges)
}

func TestUpdateChallenge_InvalidatesCache(t *testing.T) {
	f, srv := newFakeCTFd(t)
	f.seed("web-login", challengeDetail{Name: "Login", Category: "web", State: "hidden", Value: 100})
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)

	value := 200
	state := challenge.VisibilityVisible
	require.NoError(t, c.UpdateChallenge(ctx, "web-login", challenge.Patch{Value: &value, Visibility: &state}))

	got, err := c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)
	assert.Equal(t, 200, got.Value)
	assert.Equal(t, "visible", got.State)
}

func TestSetFlagsAndHints_ReplaceAll(t *testing.T) {
	f, srv := newFakeCTFd(t)
	id := f.seed("web-login", challengeDetail{Name: "Login", Category: "web"})
	f.flags = []flag{{ID: 1, ChallengeID: id, Type: "static", Content: "old"}}
	f.hints = []hint{{ID: 2, ChallengeID: id, Content: "old hint"}}
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SetFlags(ctx, "web-login", []challenge.Flag{
		{Value: "acme{a}", Mode: challenge.FlagModeStatic},
		{Value: "acme{.*}", Mode: challenge.FlagModeRegex, CaseInsensitive: true},
	}))
	require.NoError(t, c.SetHints(ctx, "web-login", []challenge.Hint{
		{Content: "one"}, {Content: "two", Cost: 5},
	}))

	require.Len(t, f.flags, 2)
	assert.Equal(t, "acme{a}", f.flags[0].Content)
	assert.Equal(t, "regex", f.flags[1].Type)
	assert.Equal(t, "case_insensitive", f.flags[1].Data)

	got, err := c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)
	assert.Equal(t, []platform.RemoteHint{{Content: "one"}, {Content: "two", Cost: 5}}, got.Hints)
}

func TestSetTags_KeepsManagedTag(t *testing.T) {
	f, srv := newFakeCTFd(t)
	id := f.seed("web-login", challengeDetail{Name: "Login", Category: "web"})
	f.tags = append(f.tags, tag{ID: 50, ChallengeID: id, Value: "old-author"})
	c := newTestClient(t, srv)
	ctx := context.Background()

	got, err := c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)
	assert.Equal(t, []string{"old-author"}, got.Tags)

	require.NoError(t, c.SetTags(ctx, "web-login", []string{"alice", "bob"}))
	assert.Equal(t, []string{TagPrefix + "web-login", "alice", "bob"}, f.tagValues(id))

	got, err = c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Tags)

	// Clearing the tags leaves the challenge managed.
	require.NoError(t, c.SetTags(ctx, "web-login", nil))
	assert.Equal(t, []string{TagPrefix + "web-login"}, f.tagValues(id))
	_, err = c.GetChallenge(ctx, "web-login")
	require.NoError(t, err)

	err = c.SetTags(ctx, "web-login", []string{TagPrefix + "other"})
	require.Error(t, err)
	assert.Equal(t, platform.KindRejected, platform.KindOf(err))
	assert.Equal(t, []string{TagPrefix + "web-login"}, f.tagValues(id))
}

func TestUploadFile_ReplacesSameName(t *testing.T) {
	f, srv := newFakeCTFd(t)
	id := f.seed("web-login", challengeDetail{Name: "Login", Category: "web"})
	f.files = []storedFile{
		{file: file{ID: 1, Type: "challenge", Location: "old/app.zip"}, challengeID: id},
		{file: file{ID: 2, Type: "challenge", Location: "old/readme.txt"}, challengeID: id},
	}
	c := newTestClient(t, srv)

	err := c.UploadFile(context.Background(), "web-login", platform.FileUpload{
		Name: "app.zip", SHA1: "x", Content: strings.NewReader("new zip"),
	})
	require.NoError(t, err)

	files := f.files
	require.Len(t, files, 2)
	assert.Equal(t, "old/readme.txt", files[0].Location)
	assert.Equal(t, "abc123/app.zip", files[1].Location)
	assert.Equal(t, "new zip", files[1].content)
}

func TestSetPrerequisites(t *testing.T) {
	f, srv := newFakeCTFd(t)
	sanity := f.seed("sanity", challengeDetail{Name: "Sanity"})
	id := f.seed("web-login", challengeDetail{Name: "Login"})
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SetPrerequisites(ctx, "web-login", []string{"sanity"}))
	assert.Equal(t, []int{sanity}, f.requirements[id])

	err := c.SetPrerequisites(ctx, "web-login", []string{"missing"})
	require.Error(t, err)
	assert.Equal(t, platform.KindNotFound, platform.KindOf(err))
}

func TestDeleteChallenge_ForgetsMapping(t *testing.T) {
	f, srv := newFakeCTFd(t)
	f.seed("web-login", challengeDetail{Name: "Login"})
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.DeleteChallenge(ctx, "web-login"))
	assert.Empty(t, f.challenges)

	_, err := c.GetChallenge(ctx, "web-login")
	assert.True(t, errors.Is(err, platform.ErrNotFound))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   platform.ErrorKind
	}{
		{http.StatusUnauthorized, platform.KindUnauthorized},
		{http.StatusForbidden, platform.KindUnauthorized},
		{http.StatusNotFound, platform.KindNotFound},
		{http.StatusTooManyRequests, platform.KindRateLimited},
		{http.StatusBadGateway, platform.KindServerError},
		{http.StatusBadRequest, platform.KindRejected},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"success": false, "message": "nope"}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, _, err := c.ListChallenges(context.Background(), "")
			require.Error(t, err)

			var re *platform.RemoteError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.kind, re.Kind)
			assert.Equal(t, tt.status, re.StatusCode)
			assert.Equal(t, platform.MethodListChallenges, re.Op)
			assert.Contains(t, re.Error(), "nope")
		})
	}
}

func TestErrorMapping_TimeoutAndNetwork(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	c := newTestClient(t, slow, WithTimeout(50*time.Millisecond))
	_, _, err := c.ListChallenges(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, platform.KindTimeout, platform.KindOf(err))
	assert.True(t, platform.IsRetryable(err))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	c = newTestClient(t, closed)
	_, _, err = c.ListChallenges(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, platform.KindNetworkError, platform.KindOf(err))
}

func TestErrorMapping_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, err := c.ListChallenges(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, platform.KindServerError, platform.KindOf(err))
}

func TestErrorMapping_OversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true, "data": [`))
		for i := 0; i < 1000; i++ {
			_, _ = w.Write([]byte(`{"id": 1, "challenge_id": 1, "value": "filler"},`))
		}
		_, _ = w.Write([]byte(`{"id": 1}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithMaxResponseSize(1024))
	_, _, err := c.ListChallenges(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, platform.KindServerError, platform.KindOf(err))
	assert.Contains(t, err.Error(), "response exceeds 1024 bytes")
}
