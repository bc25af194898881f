package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
	"golang.org/x/oauth2"
)

const (
	defaultAPIBase  = "https://api-v2.soundcloud.com"
	defaultPageSize = 200
	// defaultURLLifetime applies when a stream URL carries no expiry of its own.
	defaultURLLifetime = 10 * time.Minute
	streamContentType  = "audio/mpeg"
)

// HTTPConfig configures the HTTP catalog client
type HTTPConfig struct {
	APIBase        string
	ClientID       string
	Token          string
	PageSize       int
	RequestTimeout time.Duration
	Pacing         PacingConfig
}

// HTTPClient talks to a SoundCloud style v2 REST API.
type HTTPClient struct {
	api      *http.Client
	stream   *http.Client
	baseURL  string
	clientID string
	pageSize int
	pacer    *Pacer
	now      func() time.Time
}

// NewHTTPClient creates a catalog client. When cfg.Token is set, API calls
// carry it as an OAuth authorization header; stream URLs are fetched without it.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "OAuth"}),
			Base:   http.DefaultTransport,
		}
	}

	return &HTTPClient{
		api:      &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		stream:   &http.Client{},
		baseURL:  strings.TrimSuffix(cfg.APIBase, "/"),
		clientID: cfg.ClientID,
		pageSize: cfg.PageSize,
		pacer:    NewPacer(cfg.Pacing),
		now:      time.Now,
	}
}

// flexID accepts identifiers encoded as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

// apiTime accepts RFC 3339 and the legacy "2006/01/02 15:04:05 -0700" layout.
type apiTime time.Time

func (t *apiTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006/01/02 15:04:05 -0700"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = apiTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognised time %q", s)
}

type apiUser struct {
	ID           flexID  `json:"id"`
	Permalink    string  `json:"permalink"`
	Username     string  `json:"username"`
	LastModified apiTime `json:"last_modified"`
}

func (u apiUser) entry() types.UserEntry {
	return types.UserEntry{
		ID:         string(u.ID),
		Permalink:  u.Permalink,
		Username:   u.Username,
		ModifiedAt: time.Time(u.LastModified),
	}
}

type apiTrack struct {
	ID           flexID  `json:"id"`
	Title        string  `json:"title"`
	Permalink    string  `json:"permalink"`
	Duration     int64   `json:"duration"`
	CreatedAt    apiTime `json:"created_at"`
	LastModified apiTime `json:"last_modified"`
	User         apiUser `json:"user"`
}

func (t apiTrack) facts() types.TrackFacts {
	return types.TrackFacts{
		ID:            string(t.ID),
		Title:         t.Title,
		Artist:        t.User.Username,
		Permalink:     t.Permalink,
		UserPermalink: t.User.Permalink,
		DurationMs:    t.Duration,
		ContentType:   streamContentType,
		CreatedAt:     time.Time(t.CreatedAt),
		ModifiedAt:    time.Time(t.LastModified),
	}
}

type apiLike struct {
	CreatedAt apiTime   `json:"created_at"`
	Track     *apiTrack `json:"track"`
}

type apiPlaylist struct {
	ID           flexID  `json:"id"`
	Title        string  `json:"title"`
	Permalink    string  `json:"permalink"`
	TrackCount   int     `json:"track_count"`
	CreatedAt    apiTime `json:"created_at"`
	LastModified apiTime `json:"last_modified"`
}

type apiStreams struct {
	HTTPMP3128URL string `json:"http_mp3_128_url"`
}

// paginatedResponse is the linked-partitioning envelope of listing endpoints.
type paginatedResponse[T any] struct {
	Collection []T    `json:"collection"`
	NextHref   string `json:"next_href"`
}

// endpoint builds an API URL with client_id and paging parameters.
func (c *HTTPClient) endpoint(path string, paged bool) string {
	q := url.Values{}
	if c.clientID != "" {
		q.Set("client_id", c.clientID)
	}
	if paged {
		q.Set("linked_partitioning", "1")
		q.Set("limit", strconv.Itoa(c.pageSize))
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// pageURL returns the URL for a cursor, validating that continuation links
// stay on the configured host so credentials are never sent elsewhere.
func (c *HTTPClient) pageURL(path, cursor string) (string, error) {
	if cursor == "" {
		return c.endpoint(path, true), nil
	}
	if !strings.HasPrefix(cursor, c.baseURL) {
		return "", fmt.Errorf("pagination URL %q does not match expected host %q", cursor, c.baseURL)
	}
	u, err := url.Parse(cursor)
	if err != nil {
		return "", fmt.Errorf("parse cursor: %w", err)
	}
	q := u.Query()
	if c.clientID != "" && q.Get("client_id") == "" {
		q.Set("client_id", c.clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// doRequest executes a paced GET against the API and decodes the response into out.
func (c *HTTPClient) doRequest(ctx context.Context, fullURL string, out any) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode == http.StatusTooManyRequests {
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		c.pacer.Pause(se.RetryAfter)
	}
	return se
}

func fetchPage[T any](ctx context.Context, c *HTTPClient, path, cursor string) (paginatedResponse[T], error) {
	var page paginatedResponse[T]
	u, err := c.pageURL(path, cursor)
	if err != nil {
		return page, err
	}
	err = c.doRequest(ctx, u, &page)
	return page, err
}

func trackEntries(tracks []apiTrack) []types.TrackEntry {
	entries := make([]types.TrackEntry, 0, len(tracks))
	for _, t := range tracks {
		entries = append(entries, types.TrackEntry{Facts: t.facts(), AddedAt: time.Time(t.CreatedAt)})
	}
	return entries
}

func (c *HTTPClient) ListLikes(ctx context.Context, account, cursor string) (types.Page[types.TrackEntry], error) {
	page, err := fetchPage[apiLike](ctx, c, "/users/"+url.PathEscape(account)+"/track_likes", cursor)
	if err != nil {
		return types.Page[types.TrackEntry]{}, err
	}

	entries := make([]types.TrackEntry, 0, len(page.Collection))
	for _, like := range page.Collection {
		// Likes of deleted or blocked tracks come back without a track body.
		if like.Track == nil {
			continue
		}
		entries = append(entries, types.TrackEntry{Facts: like.Track.facts(), AddedAt: time.Time(like.CreatedAt)})
	}
	return types.Page[types.TrackEntry]{Entries: entries, Next: page.NextHref}, nil
}

func (c *HTTPClient) ListPlaylists(ctx context.Context, account, cursor string) (types.Page[types.PlaylistEntry], error) {
	page, err := fetchPage[apiPlaylist](ctx, c, "/users/"+url.PathEscape(account)+"/playlists", cursor)
	if err != nil {
		return types.Page[types.PlaylistEntry]{}, err
	}

	entries := make([]types.PlaylistEntry, 0, len(page.Collection))
	for _, p := range page.Collection {
		entries = append(entries, types.PlaylistEntry{
			ID:         string(p.ID),
			Title:      p.Title,
			Permalink:  p.Permalink,
			TrackCount: p.TrackCount,
			CreatedAt:  time.Time(p.CreatedAt),
			ModifiedAt: time.Time(p.LastModified),
		})
	}
	return types.Page[types.PlaylistEntry]{Entries: entries, Next: page.NextHref}, nil
}

func (c *HTTPClient) ListPlaylistTracks(ctx context.Context, playlistID, cursor string) (types.Page[types.TrackEntry], error) {
	page, err := fetchPage[apiTrack](ctx, c, "/playlists/"+url.PathEscape(playlistID)+"/tracks", cursor)
	if err != nil {
		return types.Page[types.TrackEntry]{}, err
	}
	return types.Page[types.TrackEntry]{Entries: trackEntries(page.Collection), Next: page.NextHref}, nil
}

func (c *HTTPClient) ListUserTracks(ctx context.Context, account, cursor string) (types.Page[types.TrackEntry], error) {
	page, err := fetchPage[apiTrack](ctx, c, "/users/"+url.PathEscape(account)+"/tracks", cursor)
	if err != nil {
		return types.Page[types.TrackEntry]{}, err
	}
	return types.Page[types.TrackEntry]{Entries: trackEntries(page.Collection), Next: page.NextHref}, nil
}

func (c *HTTPClient) ListFollowing(ctx context.Context, account, cursor string) (types.Page[types.UserEntry], error) {
	page, err := fetchPage[apiUser](ctx, c, "/users/"+url.PathEscape(account)+"/followings", cursor)
	if err != nil {
		return types.Page[types.UserEntry]{}, err
	}

	entries := make([]types.UserEntry, 0, len(page.Collection))
	for _, u := range page.Collection {
		entries = append(entries, u.entry())
	}
	return types.Page[types.UserEntry]{Entries: entries, Next: page.NextHref}, nil
}

func (c *HTTPClient) ResolveUser(ctx context.Context, permalink string) (types.UserEntry, error) {
	u := c.endpoint("/resolve", false)
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u += sep + "url=" + url.QueryEscape("https://soundcloud.com/"+permalink)

	var user apiUser
	if err := c.doRequest(ctx, u, &user); err != nil {
		return types.UserEntry{}, err
	}
	return user.entry(), nil
}

func (c *HTTPClient) GetTrackFacts(ctx context.Context, trackID string) (types.TrackFacts, error) {
	var t apiTrack
	if err := c.doRequest(ctx, c.endpoint("/tracks/"+url.PathEscape(trackID), false), &t); err != nil {
		return types.TrackFacts{}, err
	}
	return t.facts(), nil
}

func (c *HTTPClient) ResolveStreamURL(ctx context.Context, trackID string) (types.StreamURL, error) {
	var s apiStreams
	if err := c.doRequest(ctx, c.endpoint("/tracks/"+url.PathEscape(trackID)+"/streams", false), &s); err != nil {
		return types.StreamURL{}, err
	}
	if s.HTTPMP3128URL == "" {
		return types.StreamURL{}, &StatusError{Code: http.StatusNotFound, Body: "no progressive stream"}
	}
	return types.StreamURL{URL: s.HTTPMP3128URL, ExpiresAt: c.urlExpiry(s.HTTPMP3128URL)}, nil
}

// urlExpiry reads a signed URL's Expires parameter (unix seconds).
func (c *HTTPClient) urlExpiry(raw string) time.Time {
	if u, err := url.Parse(raw); err == nil {
		if v := u.Query().Get("Expires"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.Unix(secs, 0)
			}
		}
	}
	return c.now().Add(defaultURLLifetime)
}

func (c *HTTPClient) RangeFetch(ctx context.Context, streamURL string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the range; skip to the offset.
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				if err == io.EOF {
					return nil, nil
				}
				return nil, fmt.Errorf("skip to offset: %w", err)
			}
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	case http.StatusForbidden, http.StatusGone:
		return nil, fmt.Errorf("%w: %d", ErrURLExpired, resp.StatusCode)
	default:
		return nil, c.statusError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}
