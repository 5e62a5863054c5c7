// Package youtube handles the YouTube side: PubSubHubbub subscription
// leases, Atom notification parsing, video classification through the Data
// API, and RSS/playlist-based catch-up polling. Because the hub fires on
// any video publish or update, every notification is classified before it
// can become a canonical event.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/stream-herald/queue"
	"github.com/onnwee/stream-herald/store"
)

const provider = "youtube"

// videosBatchSize is the videos.list id limit per request.
const videosBatchSize = 50

// TokenStore persists the optional stored OAuth token used when no API key
// is configured.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// Options configures the YouTube adapter.
type Options struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// HubURL is the PubSubHubbub hub endpoint.
	HubURL string
	// CallbackBaseURL is the public base the hub delivers notifications to.
	CallbackBaseURL string
	// APIEndpoint overrides the Data API base (tests).
	APIEndpoint string
	// FeedBaseURL overrides the public Atom feed base (tests). Defaults to
	// https://www.youtube.com.
	FeedBaseURL string
	HTTPClient  *http.Client
	// LeaseSeconds requested from the hub. Defaults to 828000 (~9.6 days).
	LeaseSeconds int
}

// Service is the YouTube adapter. Read-only on live-state caches; the
// reconciler owns those.
type Service struct {
	opts   Options
	st     store.Store
	q      *queue.Queue
	tokens TokenStore
	oauth  *oauth2.Config
}

// New builds the adapter. tokens may be nil when an API key is configured.
func New(opts Options, st store.Store, q *queue.Queue, tokens TokenStore) *Service {
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = defaultLeaseSeconds
	}
	if opts.FeedBaseURL == "" {
		opts.FeedBaseURL = "https://www.youtube.com"
	}
	oc := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  opts.RedirectURI,
		Scopes:       []string{"https://www.googleapis.com/auth/youtube.readonly"},
	}
	return &Service{opts: opts, st: st, q: q, tokens: tokens, oauth: oc}
}

func (s *Service) httpClient() *http.Client {
	if s.opts.HTTPClient != nil {
		return s.opts.HTTPClient
	}
	return http.DefaultClient
}

// AuthCodeURL returns the consent URL for the stored-OAuth flow.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an auth code for a token and persists it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	rawBytes, _ := json.Marshal(tok)
	_ = s.tokens.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes))
	return tok, nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	if s.tokens == nil {
		return nil, errors.New("no token store configured")
	}
	access, refresh, expiry, raw, err := s.tokens.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, errors.New("no youtube token stored")
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	ts := s.oauth.TokenSource(ctx, &tok)
	newTok, err := ts.Token()
	if err != nil {
		return &tok, err
	}
	rawBytes, _ := json.Marshal(newTok)
	_ = s.tokens.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, string(rawBytes))
	return newTok, nil
}

// apiClient builds a Data API service: API key when configured, otherwise
// the stored OAuth token.
func (s *Service) apiClient(ctx context.Context) (*yt.Service, error) {
	opts := []option.ClientOption{}
	if s.opts.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(s.opts.APIEndpoint))
	}
	if s.opts.APIKey != "" {
		opts = append(opts, option.WithAPIKey(s.opts.APIKey))
		return yt.NewService(ctx, opts...)
	}
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, fmt.Errorf("youtube credentials: %w", err)
	}
	opts = append(opts, option.WithHTTPClient(s.oauth.Client(ctx, tok)))
	return yt.NewService(ctx, opts...)
}

// LookupKind is the outcome of classifying one video id.
type LookupKind int

const (
	LookupNotFound LookupKind = iota
	LookupNotAStream
	LookupScheduled
	LookupLive
	LookupEnded
)

func (k LookupKind) String() string {
	switch k {
	case LookupNotAStream:
		return "not_a_stream"
	case LookupScheduled:
		return "scheduled"
	case LookupLive:
		return "live"
	case LookupEnded:
		return "ended"
	default:
		return "not_found"
	}
}

// VideoLookup is the classified metadata for one video.
type VideoLookup struct {
	Kind      LookupKind
	Title     string
	ChannelID string
	// Premiere marks a premiering upload rather than a true live broadcast
	// (liveStreamingDetails present with a real duration).
	Premiere  bool
	StartedAt time.Time
}

// ClassifyVideos fetches metadata for the given video ids in batches of 50
// and classifies each. Ids absent from the response map to LookupNotFound.
func (s *Service) ClassifyVideos(ctx context.Context, ids []string) (map[string]VideoLookup, error) {
	svc, err := s.apiClient(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]VideoLookup, len(ids))
	for _, id := range ids {
		out[id] = VideoLookup{Kind: LookupNotFound}
	}
	for start := 0; start < len(ids); start += videosBatchSize {
		end := start + videosBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		resp, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails", "status", "contentDetails"}).
			Id(ids[start:end]...).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("videos.list: %w", err)
		}
		for _, v := range resp.Items {
			out[v.Id] = classify(v)
		}
	}
	return out, nil
}

func classify(v *yt.Video) VideoLookup {
	lk := VideoLookup{Kind: LookupNotAStream}
	if v.Snippet != nil {
		lk.Title = v.Snippet.Title
		lk.ChannelID = v.Snippet.ChannelId
	}
	d := v.LiveStreamingDetails
	if d == nil {
		return lk
	}
	// A premiering upload carries liveStreamingDetails plus a real duration;
	// true live broadcasts report P0D while running.
	if v.ContentDetails != nil && v.ContentDetails.Duration != "" && v.ContentDetails.Duration != "P0D" {
		lk.Premiere = true
	}
	switch {
	case d.ActualEndTime != "":
		lk.Kind = LookupEnded
	case d.ActualStartTime != "":
		lk.Kind = LookupLive
		if t, err := time.Parse(time.RFC3339, d.ActualStartTime); err == nil {
			lk.StartedAt = t
		}
	case d.ScheduledStartTime != "":
		lk.Kind = LookupScheduled
	}
	return lk
}

// ResolveChannel resolves a channel id or @handle to (id, title).
func (s *Service) ResolveChannel(ctx context.Context, idOrHandle string) (string, string, error) {
	svc, err := s.apiClient(ctx)
	if err != nil {
		return "", "", err
	}
	call := svc.Channels.List([]string{"snippet"}).Context(ctx)
	if strings.HasPrefix(idOrHandle, "@") {
		call = call.ForHandle(idOrHandle)
	} else {
		call = call.Id(idOrHandle)
	}
	resp, err := call.Do()
	if err != nil {
		return "", "", fmt.Errorf("channels.list: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", "", fmt.Errorf("youtube channel %q not found", idOrHandle)
	}
	ch := resp.Items[0]
	title := ""
	if ch.Snippet != nil {
		title = ch.Snippet.Title
	}
	return ch.Id, title, nil
}

// uploadsPlaylistVideos returns recent video ids from a channel's uploads
// playlist, the API-backed supplement to the zero-quota RSS feed.
func (s *Service) uploadsPlaylistVideos(ctx context.Context, channelID string, max int64) ([]string, error) {
	svc, err := s.apiClient(ctx)
	if err != nil {
		return nil, err
	}
	chResp, err := svc.Channels.List([]string{"contentDetails"}).Id(channelID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("channels.list: %w", err)
	}
	if len(chResp.Items) == 0 || chResp.Items[0].ContentDetails == nil ||
		chResp.Items[0].ContentDetails.RelatedPlaylists == nil {
		return nil, nil
	}
	uploads := chResp.Items[0].ContentDetails.RelatedPlaylists.Uploads
	if uploads == "" {
		return nil, nil
	}
	plResp, err := svc.PlaylistItems.List([]string{"contentDetails"}).
		PlaylistId(uploads).MaxResults(max).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("playlistItems.list: %w", err)
	}
	ids := make([]string, 0, len(plResp.Items))
	for _, it := range plResp.Items {
		if it.ContentDetails != nil && it.ContentDetails.VideoId != "" {
			ids = append(ids, it.ContentDetails.VideoId)
		}
	}
	return ids, nil
}
