package backend

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/timelinesync/internal/models"
)

const (
	twitterPageLimit   = 100
	twitterLookupLimit = 100
)

const (
	twitterTweetFields = "created_at,author_id,lang,possibly_sensitive,public_metrics,referenced_tweets,attachments,geo,in_reply_to_user_id"
	twitterExpansions  = "author_id,referenced_tweets.id,referenced_tweets.id.author_id,attachments.media_keys,attachments.poll_ids,geo.place_id"
	twitterUserFields  = "username,name,profile_image_url,description,public_metrics,protected"
	twitterMediaFields = "media_key,type,url,preview_image_url,alt_text,width,height"
	twitterPollFields  = "options,end_datetime,voting_status"
	twitterPlaceFields = "full_name,country,geo"
)

// Twitter is the single-domain backend. Timelines come from the v2 API,
// which factors authors and referenced tweets into an includes table and
// omits viewer state; a v1.1 lookup fills that in.
type Twitter struct {
	c *client
}

func NewTwitter(opts ClientOptions) *Twitter {
	return &Twitter{c: newClient(opts)}
}

func (t *Twitter) Backend() models.Backend { return models.BackendTwitter }

func (t *Twitter) LookupBatchLimit() int { return twitterLookupLimit }

func (t *Twitter) NeedsLookup(models.TimelineKind) bool { return true }

type tweetMetrics struct {
	RetweetCount *int64 `json:"retweet_count"`
	ReplyCount   *int64 `json:"reply_count"`
	LikeCount    *int64 `json:"like_count"`
	QuoteCount   *int64 `json:"quote_count"`
}

type tweet struct {
	ID                string        `json:"id"`
	Text              string        `json:"text"`
	AuthorID          string        `json:"author_id"`
	CreatedAt         time.Time     `json:"created_at"`
	Lang              string        `json:"lang"`
	PossiblySensitive bool          `json:"possibly_sensitive"`
	PublicMetrics     *tweetMetrics `json:"public_metrics"`
	ReferencedTweets  []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
	Attachments *struct {
		MediaKeys []string `json:"media_keys"`
		PollIDs   []string `json:"poll_ids"`
	} `json:"attachments"`
	Geo *struct {
		PlaceID string `json:"place_id"`
	} `json:"geo"`
}

type twitterUser struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profile_image_url"`
	Description     string `json:"description"`
	Protected       *bool  `json:"protected"`
	PublicMetrics   *struct {
		FollowersCount *int64 `json:"followers_count"`
		FollowingCount *int64 `json:"following_count"`
		TweetCount     *int64 `json:"tweet_count"`
	} `json:"public_metrics"`
}

type twitterMedia struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
	AltText         string `json:"alt_text"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
}

type twitterPoll struct {
	ID           string     `json:"id"`
	EndDatetime  *time.Time `json:"end_datetime"`
	VotingStatus string     `json:"voting_status"`
	Options      []struct {
		Label string `json:"label"`
		Votes int64  `json:"votes"`
	} `json:"options"`
}

type twitterPlace struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Country  string `json:"country"`
	Geo      *struct {
		BBox []float64 `json:"bbox"`
	} `json:"geo"`
}

type timelineResponse struct {
	Data     []tweet `json:"data"`
	Includes struct {
		Users  []twitterUser  `json:"users"`
		Tweets []tweet        `json:"tweets"`
		Media  []twitterMedia `json:"media"`
		Polls  []twitterPoll  `json:"polls"`
		Places []twitterPlace `json:"places"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
		NewestID    string `json:"newest_id"`
		OldestID    string `json:"oldest_id"`
	} `json:"meta"`
}

func (u twitterUser) remote() RemoteAuthor {
	a := RemoteAuthor{
		PlatformID:  u.ID,
		Username:    u.Username,
		DisplayName: u.Name,
		AvatarURL:   u.ProfileImageURL,
		Note:        u.Description,
		Locked:      u.Protected,
	}
	if u.PublicMetrics != nil {
		a.FollowersCount = u.PublicMetrics.FollowersCount
		a.FollowingCount = u.PublicMetrics.FollowingCount
		a.StatusesCount = u.PublicMetrics.TweetCount
	}
	return a
}

// sideTables indexes the includes of one response for attachment resolution.
type sideTables struct {
	media  map[string]twitterMedia
	polls  map[string]twitterPoll
	places map[string]twitterPlace
}

func (r *timelineResponse) sideTables() sideTables {
	st := sideTables{
		media:  make(map[string]twitterMedia, len(r.Includes.Media)),
		polls:  make(map[string]twitterPoll, len(r.Includes.Polls)),
		places: make(map[string]twitterPlace, len(r.Includes.Places)),
	}
	for _, m := range r.Includes.Media {
		st.media[m.MediaKey] = m
	}
	for _, p := range r.Includes.Polls {
		st.polls[p.ID] = p
	}
	for _, p := range r.Includes.Places {
		st.places[p.ID] = p
	}
	return st
}

func (tw tweet) remote(side sideTables) RemoteStatus {
	rs := RemoteStatus{
		PlatformID:       tw.ID,
		CreatedAt:        tw.CreatedAt,
		AuthorPlatformID: tw.AuthorID,
		Text:             tw.Text,
		URL:              "https://twitter.com/i/web/status/" + tw.ID,
		Language:         tw.Lang,
		Sensitive:        tw.PossiblySensitive,
	}
	if m := tw.PublicMetrics; m != nil {
		rs.LikeCount = m.LikeCount
		rs.RepostCount = m.RetweetCount
		rs.ReplyCount = m.ReplyCount
		rs.QuoteCount = m.QuoteCount
	}
	for _, ref := range tw.ReferencedTweets {
		switch ref.Type {
		case "retweeted":
			rs.RepostOfID = ref.ID
		case "quoted":
			rs.QuoteOfID = ref.ID
		case "replied_to":
			rs.InReplyToID = ref.ID
		}
	}
	if tw.Attachments != nil {
		for _, key := range tw.Attachments.MediaKeys {
			m, ok := side.media[key]
			if !ok {
				continue
			}
			u := m.URL
			if u == "" {
				u = m.PreviewImageURL
			}
			rs.Attachments = append(rs.Attachments, models.Attachment{
				ID:          m.MediaKey,
				Type:        m.Type,
				URL:         u,
				PreviewURL:  m.PreviewImageURL,
				Description: m.AltText,
				Width:       m.Width,
				Height:      m.Height,
			})
		}
		if len(tw.Attachments.MediaKeys) > 0 {
			hasMedia := true
			rs.HasMedia = &hasMedia
		}
		for _, id := range tw.Attachments.PollIDs {
			p, ok := side.polls[id]
			if !ok {
				continue
			}
			poll := &models.Poll{ID: p.ID, ExpiresAt: p.EndDatetime}
			for _, o := range p.Options {
				poll.Options = append(poll.Options, models.PollOption{Title: o.Label, VotesCount: o.Votes})
				poll.VotesCount += o.Votes
			}
			rs.Poll = poll
			break
		}
	}
	if tw.Geo != nil {
		if p, ok := side.places[tw.Geo.PlaceID]; ok {
			loc := &models.Location{PlaceID: p.ID, Name: p.FullName, Country: p.Country}
			if p.Geo != nil && len(p.Geo.BBox) == 4 {
				loc.Longitude = (p.Geo.BBox[0] + p.Geo.BBox[2]) / 2
				loc.Latitude = (p.Geo.BBox[1] + p.Geo.BBox[3]) / 2
			}
			rs.Location = loc
		}
	}
	return rs
}

func (t *Twitter) timelinePath(req Request) (string, error) {
	user := req.Account.UserID
	switch req.Kind {
	case models.KindHome:
		return "/2/users/" + url.PathEscape(user) + "/timelines/reverse_chronological", nil
	case models.KindMentions, models.KindNotification:
		return "/2/users/" + url.PathEscape(user) + "/mentions", nil
	case models.KindUser:
		if req.Target != "" {
			user = req.Target
		}
		return "/2/users/" + url.PathEscape(user) + "/tweets", nil
	case models.KindList:
		if req.Target == "" {
			return "", fmt.Errorf("%w: list timeline needs a list id", ErrUnsupportedKind)
		}
		return "/2/lists/" + url.PathEscape(req.Target) + "/tweets", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
}

// FetchTimeline pages with pagination_token; until_id and since_id bound the
// window when there is no token.
func (t *Twitter) FetchTimeline(ctx context.Context, req Request) (Page, error) {
	path, err := t.timelinePath(req)
	if err != nil {
		return Page{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > twitterPageLimit {
		limit = twitterPageLimit
	}
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("tweet.fields", twitterTweetFields)
	q.Set("expansions", twitterExpansions)
	q.Set("user.fields", twitterUserFields)
	q.Set("media.fields", twitterMediaFields)
	q.Set("poll.fields", twitterPollFields)
	q.Set("place.fields", twitterPlaceFields)
	if req.Token != "" {
		q.Set("pagination_token", req.Token)
	}
	if req.MaxID != "" {
		q.Set("until_id", req.MaxID)
	}
	if req.SinceID != "" {
		q.Set("since_id", req.SinceID)
	}

	var raw timelineResponse
	if _, err := t.c.getJSON(ctx, "twitter "+string(req.Kind), path, q, t.c.tokenFor(ctx, req.Account), &raw); err != nil {
		return Page{}, err
	}

	side := raw.sideTables()
	page := Page{HasMore: raw.Meta.NextToken != "" && len(raw.Data) > 0}
	for _, tw := range raw.Data {
		page.Statuses = append(page.Statuses, tw.remote(side))
	}
	for _, tw := range raw.Includes.Tweets {
		page.Includes.Statuses = append(page.Includes.Statuses, tw.remote(side))
	}
	for _, u := range raw.Includes.Users {
		page.Includes.Authors = append(page.Includes.Authors, u.remote())
	}
	if raw.Meta.NextToken != "" {
		page.Next = Cursor{Kind: CursorToken, Token: raw.Meta.NextToken, Limit: limit}
	}
	return page, nil
}

type legacyTweet struct {
	IDStr         string `json:"id_str"`
	Favorited     *bool  `json:"favorited"`
	Retweeted     *bool  `json:"retweeted"`
	FavoriteCount *int64 `json:"favorite_count"`
	RetweetCount  *int64 `json:"retweet_count"`
	Extended      *struct {
		Media []struct {
			IDStr         string `json:"id_str"`
			Type          string `json:"type"`
			MediaURLHTTPS string `json:"media_url_https"`
			ExtAltText    string `json:"ext_alt_text"`
			OriginalInfo  struct {
				Width  int `json:"width"`
				Height int `json:"height"`
			} `json:"original_info"`
		} `json:"media"`
	} `json:"extended_entities"`
}

// LookupStatuses uses the v1.1 lookup, which reports the viewer's like and
// retweet flags and the extended media list that v2 timelines drop.
func (t *Twitter) LookupStatuses(ctx context.Context, account models.AccountKey, ids []string) ([]RemoteStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > twitterLookupLimit {
		return nil, fmt.Errorf("lookup %d ids: limit is %d", len(ids), twitterLookupLimit)
	}
	q := url.Values{}
	q.Set("id", strings.Join(ids, ","))
	q.Set("include_entities", "true")
	q.Set("tweet_mode", "extended")

	var raw []legacyTweet
	if _, err := t.c.getJSON(ctx, "twitter lookup", "/1.1/statuses/lookup.json", q, t.c.tokenFor(ctx, account), &raw); err != nil {
		return nil, err
	}
	out := make([]RemoteStatus, 0, len(raw))
	for _, lt := range raw {
		rs := RemoteStatus{
			PlatformID:  lt.IDStr,
			Liked:       lt.Favorited,
			Reposted:    lt.Retweeted,
			LikeCount:   lt.FavoriteCount,
			RepostCount: lt.RetweetCount,
		}
		if lt.Extended != nil {
			for _, m := range lt.Extended.Media {
				rs.Attachments = append(rs.Attachments, models.Attachment{
					ID:          m.IDStr,
					Type:        m.Type,
					URL:         m.MediaURLHTTPS,
					Description: m.ExtAltText,
					Width:       m.OriginalInfo.Width,
					Height:      m.OriginalInfo.Height,
				})
			}
			hasMedia := len(lt.Extended.Media) > 0
			rs.HasMedia = &hasMedia
		}
		out = append(out, rs)
	}
	return out, nil
}
