package backend

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"example.com/timelinesync/internal/models"
)

const (
	mastodonPageLimit   = 40
	mastodonLookupLimit = 40
	uploadAttempts      = 3
)

// Mastodon talks to one Mastodon-compatible instance. Account domains are
// instance domains, so the registry keeps one adapter per instance.
type Mastodon struct {
	c           *client
	uploadDelay time.Duration
}

func NewMastodon(opts ClientOptions) *Mastodon {
	return &Mastodon{c: newClient(opts), uploadDelay: 500 * time.Millisecond}
}

func (m *Mastodon) Backend() models.Backend { return models.BackendMastodon }

func (m *Mastodon) LookupBatchLimit() int { return mastodonLookupLimit }

// NeedsLookup is false: Mastodon status payloads carry viewer state and media.
func (m *Mastodon) NeedsLookup(models.TimelineKind) bool { return false }

type mastoAccount struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Acct           string `json:"acct"`
	DisplayName    string `json:"display_name"`
	Avatar         string `json:"avatar"`
	Note           string `json:"note"`
	FollowersCount *int64 `json:"followers_count"`
	FollowingCount *int64 `json:"following_count"`
	StatusesCount  *int64 `json:"statuses_count"`
	Locked         *bool  `json:"locked"`
}

type mastoMedia struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url"`
	Description string `json:"description"`
	Blurhash    string `json:"blurhash"`
	Meta        struct {
		Original struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"original"`
	} `json:"meta"`
}

type mastoPoll struct {
	ID         string     `json:"id"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Multiple   bool       `json:"multiple"`
	VotesCount int64      `json:"votes_count"`
	Voted      bool       `json:"voted"`
	Options    []struct {
		Title      string `json:"title"`
		VotesCount int64  `json:"votes_count"`
	} `json:"options"`
}

type mastoStatus struct {
	ID               string        `json:"id"`
	CreatedAt        time.Time     `json:"created_at"`
	InReplyToID      string        `json:"in_reply_to_id"`
	Sensitive        bool          `json:"sensitive"`
	SpoilerText      string        `json:"spoiler_text"`
	Language         string        `json:"language"`
	URL              string        `json:"url"`
	Content          string        `json:"content"`
	Account          *mastoAccount `json:"account"`
	Reblog           *mastoStatus  `json:"reblog"`
	MediaAttachments []mastoMedia  `json:"media_attachments"`
	Poll             *mastoPoll    `json:"poll"`
	FavouritesCount  *int64        `json:"favourites_count"`
	ReblogsCount     *int64        `json:"reblogs_count"`
	RepliesCount     *int64        `json:"replies_count"`
	QuotesCount      *int64        `json:"quotes_count"`
	Favourited       *bool         `json:"favourited"`
	Reblogged        *bool         `json:"reblogged"`
	Quote            *struct {
		State        string       `json:"state"`
		QuotedStatus *mastoStatus `json:"quoted_status"`
	} `json:"quote"`
}

type mastoNotification struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Status *mastoStatus `json:"status"`
}

func (a *mastoAccount) remote() *RemoteAuthor {
	if a == nil {
		return nil
	}
	return &RemoteAuthor{
		PlatformID:     a.ID,
		Username:       a.Acct,
		DisplayName:    a.DisplayName,
		AvatarURL:      a.Avatar,
		Note:           a.Note,
		FollowersCount: a.FollowersCount,
		FollowingCount: a.FollowingCount,
		StatusesCount:  a.StatusesCount,
		Locked:         a.Locked,
	}
}

func (s *mastoStatus) remote() RemoteStatus {
	rs := RemoteStatus{
		PlatformID:  s.ID,
		CreatedAt:   s.CreatedAt,
		Author:      s.Account.remote(),
		Text:        s.Content,
		URL:         s.URL,
		Language:    s.Language,
		Sensitive:   s.Sensitive,
		Spoiler:     s.SpoilerText,
		LikeCount:   s.FavouritesCount,
		RepostCount: s.ReblogsCount,
		ReplyCount:  s.RepliesCount,
		QuoteCount:  s.QuotesCount,
		InReplyToID: s.InReplyToID,
		Liked:       s.Favourited,
		Reposted:    s.Reblogged,
	}
	if s.Account != nil {
		rs.AuthorPlatformID = s.Account.ID
	}
	for _, m := range s.MediaAttachments {
		rs.Attachments = append(rs.Attachments, models.Attachment{
			ID:          m.ID,
			Type:        m.Type,
			URL:         m.URL,
			PreviewURL:  m.PreviewURL,
			Description: m.Description,
			Width:       m.Meta.Original.Width,
			Height:      m.Meta.Original.Height,
			Blurhash:    m.Blurhash,
		})
	}
	if s.MediaAttachments != nil {
		hasMedia := len(s.MediaAttachments) > 0
		rs.HasMedia = &hasMedia
	}
	if s.Poll != nil {
		p := &models.Poll{
			ID:         s.Poll.ID,
			ExpiresAt:  s.Poll.ExpiresAt,
			Multiple:   s.Poll.Multiple,
			VotesCount: s.Poll.VotesCount,
			Voted:      s.Poll.Voted,
		}
		for _, o := range s.Poll.Options {
			p.Options = append(p.Options, models.PollOption{Title: o.Title, VotesCount: o.VotesCount})
		}
		rs.Poll = p
	}
	if s.Reblog != nil {
		inner := s.Reblog.remote()
		rs.RepostOf = &inner
		rs.RepostOfID = inner.PlatformID
	}
	if s.Quote != nil && s.Quote.QuotedStatus != nil {
		inner := s.Quote.QuotedStatus.remote()
		rs.QuoteOf = &inner
		rs.QuoteOfID = inner.PlatformID
	}
	return rs
}

func (m *Mastodon) timelinePath(req Request) (string, url.Values, bool, error) {
	q := url.Values{}
	switch req.Kind {
	case models.KindHome:
		return "/api/v1/timelines/home", q, false, nil
	case models.KindLocal:
		q.Set("local", "true")
		return "/api/v1/timelines/public", q, false, nil
	case models.KindPublic:
		return "/api/v1/timelines/public", q, false, nil
	case models.KindNotification:
		return "/api/v1/notifications", q, true, nil
	case models.KindMentions:
		q.Add("types[]", "mention")
		return "/api/v1/notifications", q, true, nil
	case models.KindUser:
		target := req.Target
		if target == "" {
			target = req.Account.UserID
		}
		return "/api/v1/accounts/" + url.PathEscape(target) + "/statuses", q, false, nil
	case models.KindList:
		if req.Target == "" {
			return "", nil, false, fmt.Errorf("%w: list timeline needs a list id", ErrUnsupportedKind)
		}
		return "/api/v1/timelines/list/" + url.PathEscape(req.Target), q, false, nil
	}
	return "", nil, false, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
}

// FetchTimeline maps the request onto max_id/since_id and reads the next
// page position from the Link header.
func (m *Mastodon) FetchTimeline(ctx context.Context, req Request) (Page, error) {
	path, q, notifications, err := m.timelinePath(req)
	if err != nil {
		return Page{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > mastodonPageLimit {
		limit = mastodonPageLimit
	}
	q.Set("limit", strconv.Itoa(limit))
	if req.MaxID != "" {
		q.Set("max_id", req.MaxID)
	}
	if req.SinceID != "" {
		q.Set("since_id", req.SinceID)
	}
	op := "mastodon " + string(req.Kind)
	token := m.c.tokenFor(ctx, req.Account)

	var page Page
	var header http.Header
	if notifications {
		var raw []mastoNotification
		header, err = m.c.getJSON(ctx, op, path, q, token, &raw)
		if err != nil {
			return Page{}, err
		}
		// notifications page by their own IDs, not by the status IDs
		for _, n := range raw {
			if n.Status != nil {
				rs := n.Status.remote()
				rs.PositionID = n.ID
				page.Statuses = append(page.Statuses, rs)
			}
		}
		page.HasMore = len(raw) > 0
	} else {
		var raw []mastoStatus
		header, err = m.c.getJSON(ctx, op, path, q, token, &raw)
		if err != nil {
			return Page{}, err
		}
		for i := range raw {
			page.Statuses = append(page.Statuses, raw[i].remote())
		}
		page.HasMore = len(raw) > 0
	}

	next := parseNextLink(header.Get("Link"))
	if next == nil {
		page.HasMore = false
	} else if maxID := next.Get("max_id"); maxID != "" {
		page.Next = Cursor{Kind: CursorIDs, MaxID: maxID, Limit: limit}
	}
	return page, nil
}

var linkRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?([a-z]+)"?`)

// parseNextLink returns the query of the rel=next link.
func parseNextLink(h string) url.Values {
	for _, m := range linkRe.FindAllStringSubmatch(h, -1) {
		if m[2] != "next" {
			continue
		}
		u, err := url.Parse(m[1])
		if err != nil {
			continue
		}
		return u.Query()
	}
	return nil
}

func (m *Mastodon) LookupStatuses(ctx context.Context, account models.AccountKey, ids []string) ([]RemoteStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > mastodonLookupLimit {
		return nil, fmt.Errorf("lookup %d ids: limit is %d", len(ids), mastodonLookupLimit)
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("id[]", id)
	}
	var raw []mastoStatus
	if _, err := m.c.getJSON(ctx, "mastodon lookup", "/api/v1/statuses", q, m.c.tokenFor(ctx, account), &raw); err != nil {
		return nil, err
	}
	out := make([]RemoteStatus, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].remote())
	}
	return out, nil
}

// UploadMedia posts one file to /api/v2/media. Retryable transport failures
// are retried up to three attempts in total.
func (m *Mastodon) UploadMedia(ctx context.Context, account models.AccountKey, up MediaUpload) (models.Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, up.Filename))
	ct := up.ContentType
	if ct == "" {
		ct = http.DetectContentType(up.Data)
	}
	hdr.Set("Content-Type", ct)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return models.Attachment{}, fmt.Errorf("build upload: %w", err)
	}
	if strings.TrimSpace(up.Description) != "" {
		if err := w.WriteField("description", up.Description); err != nil {
			return models.Attachment{}, fmt.Errorf("build upload: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return models.Attachment{}, fmt.Errorf("build upload: %w", err)
	}
	body := buf.Bytes()

	var media mastoMedia
	err = retry(ctx, uploadAttempts, m.uploadDelay, "mastodon media upload", func() error {
		_, err := m.c.do(ctx, call{
			op:          "mastodon media upload",
			method:      http.MethodPost,
			path:        "/api/v2/media",
			token:       m.c.tokenFor(ctx, account),
			body:        bytes.NewReader(body),
			contentType: w.FormDataContentType(),
		}, &media)
		return err
	})
	if err != nil {
		return models.Attachment{}, err
	}
	return models.Attachment{
		ID:          media.ID,
		Type:        media.Type,
		URL:         media.URL,
		PreviewURL:  media.PreviewURL,
		Description: media.Description,
		Width:       media.Meta.Original.Width,
		Height:      media.Meta.Original.Height,
		Blurhash:    media.Blurhash,
	}, nil
}
