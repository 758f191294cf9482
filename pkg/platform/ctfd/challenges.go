package ctfd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chalsync/chalsync/pkg/challenge"
	"github.com/chalsync/chalsync/pkg/platform"
)

// ListChallenges returns one page of managed challenges. The cursor is the
// CTFd page number. The tag index is rebuilt when the first page is
// requested.
func (c *Client) ListChallenges(ctx context.Context, cursor string) ([]platform.RemoteSummary, string, error) {
	op := platform.MethodListChallenges
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, "", platform.NewError(platform.KindRejected, op, "", fmt.Errorf("invalid cursor %q", cursor))
		}
		page = n
	}
	if page == 1 {
		if err := c.index(ctx, op); err != nil {
			return nil, "", err
		}
	}

	q := url.Values{}
	q.Set("view", "admin")
	q.Set("page", strconv.Itoa(page))

	var items []challengeSummary
	m, err := c.do(ctx, request{op: op, method: http.MethodGet, path: "/challenges", query: q}, &items)
	if err != nil {
		return nil, "", err
	}

	var out []platform.RemoteSummary
	for _, item := range items {
		id, ok := c.localID(item.ID)
		if !ok {
			continue
		}
		out = append(out, platform.RemoteSummary{
			ID:         id,
			Name:       item.Name,
			Category:   item.Category,
			Visibility: item.State,
		})
	}

	next := ""
	if m != nil && m.Pagination != nil && m.Pagination.Next != nil && *m.Pagination.Next > page {
		next = strconv.Itoa(*m.Pagination.Next)
	}
	return out, next, nil
}

// GetChallenge assembles the full record from the challenge, flag, hint,
// file and requirement endpoints. Records are cached until the challenge
// is modified through this client.
func (c *Client) GetChallenge(ctx context.Context, id string) (*platform.RemoteChallenge, error) {
	op := platform.MethodGetChallenge
	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if cached, ok := c.cache.Get(n); ok {
			return cloneRemote(cached), nil
		}
	}

	base := "/challenges/" + strconv.Itoa(n)
	var (
		detail challengeDetail
		flags  []flag
		hints  []hint
		files  []file
		tags   []tag
		reqs   *requirements
	)

	g, gctx := errgroup.WithContext(ctx)
	get := func(p string, out any) func() error {
		return func() error {
			_, err := c.do(gctx, request{op: op, challengeID: id, method: http.MethodGet, path: p}, out)
			return err
		}
	}
	g.Go(get(base, &detail))
	g.Go(get(base+"/flags", &flags))
	g.Go(get(base+"/hints", &hints))
	g.Go(get(base+"/files", &files))
	g.Go(get(base+"/tags", &tags))
	g.Go(get(base+"/requirements", &reqs))
	if err := g.Wait(); err != nil {
		return nil, err
	}

	remote := &platform.RemoteChallenge{
		ID:             id,
		Name:           detail.Name,
		Category:       detail.Category,
		Description:    detail.Description,
		Value:          detail.Value,
		State:          detail.State,
		ConnectionInfo: detail.ConnectionInfo,
		MaxAttempts:    detail.MaxAttempts,
	}
	for _, f := range flags {
		remote.Flags = append(remote.Flags, platform.RemoteFlag{Type: f.Type, Content: f.Content, Data: f.Data})
	}

	// Hints are shown in creation order.
	slices.SortFunc(hints, func(a, b hint) int { return a.ID - b.ID })
	for _, h := range hints {
		remote.Hints = append(remote.Hints, platform.RemoteHint{Content: h.Content, Cost: h.Cost})
	}

	for _, f := range files {
		if f.Type != "" && f.Type != "challenge" {
			continue
		}
		remote.Files = append(remote.Files, platform.RemoteFile{Location: f.Location, SHA1: f.SHA1})
	}

	for _, t := range tags {
		if !strings.HasPrefix(t.Value, TagPrefix) {
			remote.Tags = append(remote.Tags, t.Value)
		}
	}

	if reqs != nil {
		for _, p := range reqs.Prerequisites {
			if local, ok := c.localID(p); ok {
				remote.Prerequisites = append(remote.Prerequisites, local)
			} else {
				// Unmanaged prerequisites keep a placeholder so the
				// difference is visible and gets replaced on the next sync.
				remote.Prerequisites = append(remote.Prerequisites, "#"+strconv.Itoa(p))
			}
		}
	}

	if c.cache != nil {
		c.cache.Add(n, cloneRemote(remote))
	}
	return remote, nil
}

// CreateChallenge posts the base record and tags it. If tagging fails the
// untagged challenge is removed again.
func (c *Client) CreateChallenge(ctx context.Context, def challenge.Definition) error {
	op := platform.MethodCreateChallenge
	body := challengeCreate{
		Name:           def.DisplayName(),
		Category:       def.Category,
		Description:    def.Description,
		Value:          def.Value,
		State:          string(def.Visibility),
		Type:           challengeTypeBasic,
		ConnectionInfo: def.ConnectionInfo,
		MaxAttempts:    def.MaxAttempts,
	}

	var created challengeDetail
	if _, err := c.do(ctx, request{op: op, challengeID: def.ID, method: http.MethodPost, path: "/challenges", body: body}, &created); err != nil {
		return err
	}

	_, err := c.do(ctx, request{op: op, challengeID: def.ID, method: http.MethodPost, path: "/tags",
		body: tag{ChallengeID: created.ID, Value: TagPrefix + def.ID}}, nil)
	if err != nil {
		if _, delErr := c.do(ctx, request{op: op, challengeID: def.ID, method: http.MethodDelete,
			path: "/challenges/" + strconv.Itoa(created.ID)}, nil); delErr != nil {
			c.logger.WithChallengeID(def.ID).WithError(delErr).
				Warnf("Failed to remove untagged CTFd challenge %d", created.ID)
		}
		return err
	}

	c.remember(def.ID, created.ID)
	return nil
}

// UpdateChallenge patches scalar fields.
func (c *Client) UpdateChallenge(ctx context.Context, id string, patch challenge.Patch) error {
	op := platform.MethodUpdateChallenge
	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	defer c.invalidate(n)

	_, err = c.do(ctx, request{op: op, challengeID: id, method: http.MethodPatch,
		path: "/challenges/" + strconv.Itoa(n), body: patch}, nil)
	return err
}

// DeleteChallenge removes the challenge. CTFd deletes its flags, hints,
// files and tags with it.
func (c *Client) DeleteChallenge(ctx context.Context, id string) error {
	op := platform.MethodDeleteChallenge
	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	defer c.invalidate(n)

	if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodDelete,
		path: "/challenges/" + strconv.Itoa(n)}, nil); err != nil {
		return err
	}
	c.forget(id, n)
	return nil
}

// SetFlags replaces every flag, creating the new ones in order.
func (c *Client) SetFlags(ctx context.Context, id string, flags []challenge.Flag) error {
	op := platform.MethodSetFlags
	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	defer c.invalidate(n)

	var existing []flag
	if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodGet,
		path: "/challenges/" + strconv.Itoa(n) + "/flags"}, &existing); err != nil {
		return err
	}
	for _, f := range existing {
		if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodDelete,
			path: "/flags/" + strconv.Itoa(f.ID)}, nil); err != nil {
			return err
		}
	}

	for _, f := range flags {
		body := flag{ChallengeID: n, Type: string(f.Mode), Content: f.Value}
		if f.CaseInsensitive {
			body.Data = platform.FlagDataCaseInsensitive
		}
		if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodPost, path: "/flags", body: body}, nil); err != nil {
			return err
		}
	}
	return nil
}

// SetHints replaces every hint, creating the new ones in order.
func (c *Client) SetHints(ctx context.Context, id string, hints []challenge.Hint) error {
	op := platform.MethodSetHints
	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	defer c.invalidate(n)

	var existing []hint
	if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodGet,
		path: "/challenges/" + strconv.Itoa(n) + "/hints"}, &existing); err != nil {
		return err
	}
	for _, h := range existing {
		if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodDelete,
			path: "/hints/" + strconv.Itoa(h.ID)}, nil); err != nil {
			return err
		}
	}

	for _, h := range hints {
		body := hint{ChallengeID: n, Content: h.Content, Cost: h.Cost}
		if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodPost, path: "/hints", body: body}, nil); err != nil {
			return err
		}
	}
	return nil
}

// SetTags replaces every tag except the one marking the challenge as
// managed. A tag carrying that prefix is refused.
func (c *Client) SetTags(ctx context.Context, id string, tags []string) error {
	op := platform.MethodSetTags
	for _, t := range tags {
		if strings.HasPrefix(t, TagPrefix) {
			return platform.NewError(platform.KindRejected, op, id,
				fmt.Errorf("tag %q uses the reserved prefix %q", t, TagPrefix))
		}
	}

	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	defer c.invalidate(n)

	var existing []tag
	if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodGet,
		path: "/challenges/" + strconv.Itoa(n) + "/tags"}, &existing); err != nil {
		return err
	}
	for _, t := range existing {
		if strings.HasPrefix(t.Value, TagPrefix) {
			continue
		}
		if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodDelete,
			path: "/tags/" + strconv.Itoa(t.ID)}, nil); err != nil {
			return err
		}
	}

	for _, t := range tags {
		body := tag{ChallengeID: n, Value: t}
		if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodPost, path: "/tags", body: body}, nil); err != nil {
			return err
		}
	}
	return nil
}

// UploadFile replaces the attachment with the same name.
func (c *Client) UploadFile(ctx context.Context, id string, upload platform.FileUpload) error {
	op := platform.MethodUploadFile
	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	defer c.invalidate(n)

	var existing []file
	if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodGet,
		path: "/challenges/" + strconv.Itoa(n) + "/files"}, &existing); err != nil {
		return err
	}
	for _, f := range existing {
		if path.Base(f.Location) != upload.Name {
			continue
		}
		if _, err := c.do(ctx, request{op: op, challengeID: id, method: http.MethodDelete,
			path: "/files/" + strconv.Itoa(f.ID)}, nil); err != nil {
			return err
		}
	}

	// Buffered so the request carries a Content-Length; CTFd behind some
	// WSGI servers rejects chunked uploads.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writeUpload(mw, n, upload); err != nil {
		return platform.NewError(platform.KindRejected, op, id, fmt.Errorf("failed to read %s: %w", upload.Name, err))
	}

	_, err = c.do(ctx, request{op: op, challengeID: id, method: http.MethodPost, path: "/files",
		reader: &buf, contentType: mw.FormDataContentType()}, nil)
	return err
}

func writeUpload(mw *multipart.Writer, n int, upload platform.FileUpload) error {
	if err := mw.WriteField("challenge_id", strconv.Itoa(n)); err != nil {
		return err
	}
	if err := mw.WriteField("type", "challenge"); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", upload.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return err
	}
	return mw.Close()
}

// SetPrerequisites replaces the requirement list. Every id must be a
// managed challenge.
func (c *Client) SetPrerequisites(ctx context.Context, id string, ids []string) error {
	op := platform.MethodSetPrerequisites
	n, err := c.resolve(ctx, op, id)
	if err != nil {
		return err
	}
	defer c.invalidate(n)

	body := requirementsPatch{Requirements: requirements{Prerequisites: make([]int, 0, len(ids))}}
	for _, p := range ids {
		pn, err := c.resolve(ctx, op, p)
		if err != nil {
			return err
		}
		body.Requirements.Prerequisites = append(body.Requirements.Prerequisites, pn)
	}

	_, err = c.do(ctx, request{op: op, challengeID: id, method: http.MethodPatch,
		path: "/challenges/" + strconv.Itoa(n), body: body}, nil)
	return err
}

func cloneRemote(r *platform.RemoteChallenge) *platform.RemoteChallenge {
	c := *r
	c.Flags = slices.Clone(r.Flags)
	c.Hints = slices.Clone(r.Hints)
	c.Files = slices.Clone(r.Files)
	c.Prerequisites = slices.Clone(r.Prerequisites)
	c.Tags = slices.Clone(r.Tags)
	return &c
}
