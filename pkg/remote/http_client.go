package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/model"
)

// httpClient is the HTTP-backed Client implementation.
type httpClient struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthProvider
	policy     RetryPolicy

	// limiter paces retry attempts across all in-flight operations, so
	// a burst of simultaneous failures doesn't hammer a server that's
	// already struggling.
	limiter *rate.Limiter

	// credsMu guards creds: Phase A's fan-out (pkg/reconcile) shares a
	// single httpClient across concurrently running ListFolder calls,
	// and a session-expiry refresh can race a concurrent reader.
	credsMu sync.Mutex
	creds   Credentials
}

// streamBufferSize is the minimum buffer size used when copying
// transfer bodies, matching spec §4.7's "≥512KiB streaming buffer"
// requirement.
const streamBufferSize = 512 * 1024

// requestTimeout bounds a single HTTP operation, including body
// streaming. It's deliberately generous (hours, not minutes) so an
// upload or download of a very large file over a slow connection
// isn't aborted mid-transfer; callers that want a shorter deadline
// set one on the ctx they pass in.
const requestTimeout = 6 * time.Hour

// NewHTTPClient creates a Client that talks to baseURL. auth supplies
// session credentials and is consulted again whenever the server
// reports the session has expired.
func NewHTTPClient(baseURL string, auth AuthProvider, policy RetryPolicy) Client {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		auth:    auth,
		policy:  policy,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

func (c *httpClient) cookie(ctx context.Context) (string, error) {
	c.credsMu.Lock()
	cookie := c.creds.Cookie
	c.credsMu.Unlock()
	if cookie != "" {
		return cookie, nil
	}

	creds, err := c.auth.Credentials(ctx)
	if err != nil {
		return "", drivesyncerrors.WithContext(err, "obtain credentials")
	}

	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()
	return creds.Cookie, nil
}

func (c *httpClient) refreshCredentials(ctx context.Context) error {
	creds, err := c.auth.Credentials(ctx)
	if err != nil {
		return drivesyncerrors.WithContext(err, "refresh credentials")
	}
	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()
	return nil
}

// doJSON sends an HTTP request with a JSON body (if reqBody is
// non-nil) and decodes the response into respBody (if non-nil). It
// retries on the operation's classification and transparently retries
// once more after a credential refresh on session expiry.
func (c *httpClient) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	return c.withSessionRefresh(ctx, func() error {
		return withRetry(ctx, c.policy, 0, c.sleep, func() error {
			return c.attemptJSON(ctx, method, path, reqBody, respBody)
		})
	})
}

func (c *httpClient) attemptJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var buf io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return drivesyncerrors.WithContext(err, "encode request body")
		}
		buf = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return drivesyncerrors.WithContext(err, "build request")
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	cookie, err := c.cookie(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err, 0, 0)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := classify(nil, resp.StatusCode, int64(len(body))); err != nil {
		return err
	}

	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return drivesyncerrors.WithContext(err, "decode response body")
		}
	}
	return nil
}

// withSessionRefresh runs op once, and if it fails with
// ErrSessionExpired, refreshes credentials and runs it exactly once
// more.
func (c *httpClient) withSessionRefresh(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || err != drivesyncerrors.ErrSessionExpired {
		return err
	}
	if refreshErr := c.refreshCredentials(ctx); refreshErr != nil {
		return refreshErr
	}
	return op()
}

func (c *httpClient) sleep(d time.Duration) {
	_ = c.limiter.Wait(context.Background())
	time.Sleep(d)
}

type entryDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsFolder  bool   `json:"is_folder"`
	ParentID  *int64 `json:"parent_id"`
	Size      int64  `json:"size"`
	Hash      string `json:"hash"`
	UpdatedAt string `json:"updated_at"`
}

func (d entryDTO) toModel(workspace int64) model.RemoteEntry {
	kind := model.KindFile
	if d.IsFolder {
		kind = model.KindFolder
	}
	entry := model.RemoteEntry{
		ID:          d.ID,
		Name:        d.Name,
		Kind:        kind,
		Size:        d.Size,
		Hash:        d.Hash,
		WorkspaceID: workspace,
	}
	if d.ParentID != nil {
		entry.ParentID = *d.ParentID
		entry.HasParent = true
	}
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, d.UpdatedAt)
	return entry
}

func (c *httpClient) ListRoot(ctx context.Context, workspace int64) ([]model.RemoteEntry, error) {
	return c.listPath(ctx, fmt.Sprintf("/api/workspaces/%d/entries/root", workspace), workspace)
}

func (c *httpClient) ListFolder(ctx context.Context, workspace, folderID int64) ([]model.RemoteEntry, error) {
	return c.listPath(ctx, fmt.Sprintf("/api/workspaces/%d/entries/%d/children", workspace, folderID), workspace)
}

func (c *httpClient) listPath(ctx context.Context, path string, workspace int64) ([]model.RemoteEntry, error) {
	var resp struct {
		Entries []entryDTO `json:"entries"`
		Error   string     `json:"error"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
	if err := drivesyncerrors.Unmarshal(err, resp.Error); err != nil {
		return nil, err
	}

	out := make([]model.RemoteEntry, 0, len(resp.Entries))
	for _, d := range resp.Entries {
		out = append(out, d.toModel(workspace))
	}
	return out, nil
}

func (c *httpClient) CreateFolder(ctx context.Context, workspace int64, name string, parentID int64) (model.RemoteEntry, error) {
	req := struct {
		Name     string `json:"name"`
		ParentID *int64 `json:"parent_id,omitempty"`
	}{Name: name}
	if parentID != model.NoParent {
		req.ParentID = &parentID
	}

	var resp struct {
		Entry        entryDTO `json:"entry"`
		Error        string   `json:"error"`
		AlreadyExist bool     `json:"already_exists"`
	}
	path := fmt.Sprintf("/api/workspaces/%d/folders", workspace)
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return model.RemoteEntry{}, err
	}
	if resp.Error != "" && !resp.AlreadyExist {
		return model.RemoteEntry{}, drivesyncerrors.New(resp.Error)
	}
	if resp.AlreadyExist {
		siblings, err := c.listParent(ctx, workspace, parentID)
		if err != nil {
			return model.RemoteEntry{}, err
		}
		for _, e := range siblings {
			if e.Kind == model.KindFolder && strings.EqualFold(e.Name, name) {
				return e, nil
			}
		}
		return model.RemoteEntry{}, drivesyncerrors.New("folder %q reported as existing but not found on re-list", name)
	}
	return resp.Entry.toModel(workspace), nil
}

func (c *httpClient) listParent(ctx context.Context, workspace, parentID int64) ([]model.RemoteEntry, error) {
	if parentID == model.NoParent {
		return c.ListRoot(ctx, workspace)
	}
	return c.ListFolder(ctx, workspace, parentID)
}

func (c *httpClient) Upload(ctx context.Context, workspace int64, localPath string, parentID int64, progress ProgressFunc) (UploadResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return UploadResult{}, drivesyncerrors.WithContext(err, "stat file for upload")
	}

	siblings, err := c.listParent(ctx, workspace, parentID)
	if err != nil {
		return UploadResult{}, err
	}
	name := filepath.Base(localPath)
	if existing, ok := findDuplicate(siblings, name, info.Size()); ok {
		return UploadResult{Entry: existing, Existing: true}, nil
	}

	usage, err := c.SpaceUsage(ctx, workspace)
	if err != nil {
		return UploadResult{}, drivesyncerrors.WithContext(err, "check space usage before upload")
	}
	if usage.Available > 0 && info.Size() > usage.Available {
		return UploadResult{}, drivesyncerrors.QuotaExceededError{
			Used:      usage.Used,
			Available: usage.Available,
			Needed:    info.Size(),
		}
	}

	var result UploadResult
	err = c.withSessionRefresh(ctx, func() error {
		return withRetry(ctx, c.policy, info.Size(), c.sleep, func() error {
			entry, err := c.attemptUpload(ctx, workspace, localPath, parentID, info.Size(), progress)
			if err != nil {
				return err
			}
			result = UploadResult{Entry: entry}
			return nil
		})
	})
	return result, err
}

// findDuplicate implements the preflight duplicate check from spec
// §4.2: a case-insensitive name match with the same size, plus a
// same-size heuristic for names that differ only by characters an
// encoding mangled (diacritics stripped, NFC/NFD mismatches).
func findDuplicate(siblings []model.RemoteEntry, name string, size int64) (model.RemoteEntry, bool) {
	for _, e := range siblings {
		if e.Kind != model.KindFile || e.Size != size {
			continue
		}
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
		if similarNames(e.Name, name) {
			return e, true
		}
	}
	return model.RemoteEntry{}, false
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// latin1Base maps each rune in U+00C0..U+00FF to its unaccented ASCII
// base letter ('.' for the non-letters × and ÷).
const latin1Base = "AAAAAAACEEEEIIIIDNOOOOO.OUUUUYTsaaaaaaaceeeeiiiidnooooo.ouuuuyty"

func similarNames(a, b string) bool {
	return strings.EqualFold(foldForSimilarity(a), foldForSimilarity(b))
}

// foldForSimilarity strips Latin-1 diacritics from precomposed letters
// and then drops everything that isn't an ASCII letter or digit, which
// also removes NFD combining marks.
func foldForSimilarity(s string) string {
	s = strings.Map(func(r rune) rune {
		if r >= 0xC0 && r <= 0xFF {
			return rune(latin1Base[r-0xC0])
		}
		return r
	}, s)
	return nonAlphanumeric.ReplaceAllString(s, "")
}

func (c *httpClient) attemptUpload(ctx context.Context, workspace int64, localPath string, parentID, size int64, progress ProgressFunc) (model.RemoteEntry, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return model.RemoteEntry{}, drivesyncerrors.WithContext(err, "open file for upload")
	}
	defer f.Close()

	body := &progressReader{r: f, total: size, report: progress}

	target := fmt.Sprintf("/api/workspaces/%d/upload?name=%s&parent_id=%d",
		workspace, url.QueryEscape(filepath.Base(localPath)), parentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+target, body)
	if err != nil {
		return model.RemoteEntry{}, drivesyncerrors.WithContext(err, "build upload request")
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	cookie, err := c.cookie(ctx)
	if err != nil {
		return model.RemoteEntry{}, err
	}
	req.Header.Set("Cookie", cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.RemoteEntry{}, classify(err, 0, size)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(resp.Body)
	if err := classify(nil, resp.StatusCode, size); err != nil {
		return model.RemoteEntry{}, err
	}

	var decoded struct {
		Entry entryDTO `json:"entry"`
		Error string   `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &decoded); err != nil {
		return model.RemoteEntry{}, drivesyncerrors.WithContext(err, "decode upload response")
	}
	if err := drivesyncerrors.Unmarshal(nil, decoded.Error); err != nil {
		return model.RemoteEntry{}, err
	}
	return decoded.Entry.toModel(workspace), nil
}

func (c *httpClient) Download(ctx context.Context, workspace int64, entry model.RemoteEntry, destDir string, progress ProgressFunc) (string, error) {
	destPath := filepath.Join(destDir, sanitizeFilename(entry.Name))

	err := c.withSessionRefresh(ctx, func() error {
		return withRetry(ctx, c.policy, entry.Size, c.sleep, func() error {
			return c.attemptDownload(ctx, workspace, entry, destPath, progress)
		})
	})
	if err != nil {
		return "", err
	}
	return destPath, nil
}

func (c *httpClient) attemptDownload(ctx context.Context, workspace int64, entry model.RemoteEntry, destPath string, progress ProgressFunc) error {
	target := fmt.Sprintf("/api/workspaces/%d/entries/%d/content", workspace, entry.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+target, nil)
	if err != nil {
		return drivesyncerrors.WithContext(err, "build download request")
	}

	cookie, err := c.cookie(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err, 0, 0)
	}
	defer resp.Body.Close()

	if err := classify(nil, resp.StatusCode, entry.Size); err != nil {
		return err
	}

	tmp := destPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return drivesyncerrors.WithContext(err, "create destination file")
	}

	buf := make([]byte, streamBufferSize)
	written, copyErr := io.CopyBuffer(out, &progressReader{r: resp.Body, total: entry.Size, report: progress}, buf)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return classify(copyErr, 0, entry.Size)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return drivesyncerrors.WithContext(closeErr, "close downloaded file")
	}
	_ = written

	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return drivesyncerrors.WithContext(err, "finalize downloaded file")
	}
	return nil
}

// sanitizeFilename strips characters the host filesystem can't
// represent in a path component, so a remote name containing e.g. a
// colon or control character doesn't fail os.Create outright.
var invalidFilenameChars = regexp.MustCompile(`[\x00-\x1f<>:"|?*]`)

func sanitizeFilename(name string) string {
	cleaned := invalidFilenameChars.ReplaceAllString(name, "_")
	cleaned = strings.TrimRight(cleaned, ". ")
	if cleaned == "" {
		cleaned = "unnamed"
	}
	return cleaned
}

func (c *httpClient) Rename(ctx context.Context, workspace, id int64, newName string) error {
	req := struct {
		Name string `json:"name"`
	}{Name: newName}
	var resp struct {
		Error string `json:"error"`
	}
	path := fmt.Sprintf("/api/workspaces/%d/entries/%d/rename", workspace, id)
	err := c.doJSON(ctx, http.MethodPost, path, req, &resp)
	return drivesyncerrors.Unmarshal(err, resp.Error)
}

func (c *httpClient) Delete(ctx context.Context, workspace, id int64) error {
	var resp struct {
		Error string `json:"error"`
	}
	path := fmt.Sprintf("/api/workspaces/%d/entries/%d", workspace, id)
	err := c.doJSON(ctx, http.MethodDelete, path, nil, &resp)
	return drivesyncerrors.Unmarshal(err, resp.Error)
}

func (c *httpClient) SpaceUsage(ctx context.Context, workspace int64) (SpaceUsage, error) {
	var resp struct {
		Used      int64  `json:"used"`
		Available int64  `json:"available"`
		Error     string `json:"error"`
	}
	path := fmt.Sprintf("/api/workspaces/%d/space_usage", workspace)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
	if err := drivesyncerrors.Unmarshal(err, resp.Error); err != nil {
		return SpaceUsage{}, err
	}
	return SpaceUsage{Used: resp.Used, Available: resp.Available}, nil
}

// progressReader wraps an io.Reader, invoking report with the running
// total each time a read crosses a progressGranularity boundary, and on
// any read that returns data together with an error. A nil report is a
// no-op.
type progressReader struct {
	r         io.Reader
	total     int64
	read      int64
	report    ProgressFunc
	lastEmitn int64
}

const progressGranularity = 1024 * 1024 // 1 MiB, per spec §6

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.report != nil && (p.read/progressGranularity > p.lastEmitn/progressGranularity || err != nil) {
			p.report(p.read, p.total)
			p.lastEmitn = p.read
		}
	}
	return n, err
}
