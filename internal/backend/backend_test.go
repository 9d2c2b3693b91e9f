package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/syncerr"
)

var mastoAcct = models.AccountKey{UserID: "109", Domain: "mastodon.example"}

func TestMastodonFetchHomeParsesPageAndLink(t *testing.T) {
	var gotQuery, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/timelines/home" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Link", `<https://mastodon.example/api/v1/timelines/home?max_id=100>; rel="next", <https://mastodon.example/api/v1/timelines/home?min_id=102>; rel="prev"`)
		fmt.Fprint(w, `[
			{"id":"102","created_at":"2024-05-01T12:00:00Z","content":"<p>boost</p>",
			 "account":{"id":"1","acct":"alice"},
			 "reblog":{"id":"50","created_at":"2024-04-30T08:00:00Z","content":"orig","account":{"id":"2","acct":"bob"},"favourited":true,"media_attachments":[]},
			 "favourites_count":3,"reblogs_count":1,"replies_count":0,"media_attachments":[]},
			{"id":"100","created_at":"2024-05-01T11:00:00Z","content":"pic",
			 "account":{"id":"1","acct":"alice"},
			 "media_attachments":[{"id":"m1","type":"image","url":"https://x/m1.png","meta":{"original":{"width":640,"height":480}}}],
			 "poll":{"id":"p1","multiple":false,"votes_count":4,"options":[{"title":"yes","votes_count":3},{"title":"no","votes_count":1}]}}
		]`)
	}))
	defer ts.Close()

	creds := NewCredentials()
	if err := creds.Set(context.Background(), mastoAcct, "secret-token"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	m := NewMastodon(ClientOptions{BaseURL: ts.URL, Credentials: creds})
	page, err := m.FetchTimeline(context.Background(), Request{Account: mastoAcct, Kind: models.KindHome, MaxID: "200", Limit: 2})
	if err != nil {
		t.Fatalf("FetchTimeline failed: %v", err)
	}
	if !strings.Contains(gotQuery, "max_id=200") || !strings.Contains(gotQuery, "limit=2") {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected account token, got %q", gotAuth)
	}
	if len(page.Statuses) != 2 || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Next.Kind != CursorIDs || page.Next.MaxID != "100" {
		t.Fatalf("unexpected cursor: %+v", page.Next)
	}

	boost := page.Statuses[0]
	if boost.RepostOfID != "50" || boost.RepostOf == nil || boost.RepostOf.Author.PlatformID != "2" {
		t.Fatalf("reblog not mapped: %+v", boost)
	}
	if boost.RepostOf.Liked == nil || !*boost.RepostOf.Liked {
		t.Fatalf("viewer state of reblogged status lost")
	}
	if boost.HasMedia == nil || *boost.HasMedia {
		t.Fatalf("empty media list should report HasMedia=false")
	}
	pic := page.Statuses[1]
	if len(pic.Attachments) != 1 || pic.Attachments[0].Width != 640 {
		t.Fatalf("attachments not mapped: %+v", pic.Attachments)
	}
	if pic.Poll == nil || len(pic.Poll.Options) != 2 {
		t.Fatalf("poll not mapped: %+v", pic.Poll)
	}
	if pic.LikeCount != nil {
		t.Fatalf("missing counters must stay nil")
	}
}

func TestMastodonNoNextLinkMeansNoMore(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"1","created_at":"2024-05-01T12:00:00Z","account":{"id":"1"}}]`)
	}))
	defer ts.Close()

	m := NewMastodon(ClientOptions{BaseURL: ts.URL})
	page, err := m.FetchTimeline(context.Background(), Request{Account: mastoAcct, Kind: models.KindPublic})
	if err != nil {
		t.Fatalf("FetchTimeline failed: %v", err)
	}
	if page.HasMore || !page.Next.IsZero() {
		t.Fatalf("expected last page, got %+v", page)
	}
}

func TestMastodonNotificationsKeepOnlyStatuses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/notifications" || r.URL.Query().Get("types[]") != "mention" {
			t.Fatalf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("Link", `<https://x/api/v1/notifications?max_id=900>; rel="next"`)
		fmt.Fprint(w, `[
			{"id":"901","type":"mention","status":{"id":"77","created_at":"2024-05-01T12:00:00Z","account":{"id":"3"}}},
			{"id":"900","type":"follow"}
		]`)
	}))
	defer ts.Close()

	m := NewMastodon(ClientOptions{BaseURL: ts.URL})
	page, err := m.FetchTimeline(context.Background(), Request{Account: mastoAcct, Kind: models.KindMentions})
	if err != nil {
		t.Fatalf("FetchTimeline failed: %v", err)
	}
	if len(page.Statuses) != 1 || page.Statuses[0].PlatformID != "77" {
		t.Fatalf("unexpected statuses: %+v", page.Statuses)
	}
	if page.Statuses[0].PositionID != "901" {
		t.Fatalf("status should carry its notification id, got %q", page.Statuses[0].PositionID)
	}
	if page.Next.MaxID != "900" {
		t.Fatalf("cursor should page notification ids, got %+v", page.Next)
	}
}

func TestTransportAndDecodeErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/timelines/home" {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":"upstream down"}`)
			return
		}
		fmt.Fprint(w, `{"not":"an array"}`)
	}))
	defer ts.Close()

	m := NewMastodon(ClientOptions{BaseURL: ts.URL})
	_, err := m.FetchTimeline(context.Background(), Request{Account: mastoAcct, Kind: models.KindHome})
	var te *syncerr.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusBadGateway || !strings.Contains(te.Error(), "upstream down") {
		t.Fatalf("expected transport error, got %v", err)
	}
	_, err = m.FetchTimeline(context.Background(), Request{Account: mastoAcct, Kind: models.KindPublic})
	if !errors.Is(err, syncerr.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestMastodonUploadRetriesThreeTimes(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("bad multipart body: %v", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file part: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "PNGDATA" {
			t.Fatalf("body not replayed on retry: %q", data)
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"m9","type":"image","url":"https://x/m9.png","description":"alt"}`)
	}))
	defer ts.Close()

	m := NewMastodon(ClientOptions{BaseURL: ts.URL})
	m.uploadDelay = time.Millisecond
	att, err := m.UploadMedia(context.Background(), mastoAcct, MediaUpload{Filename: "a.png", ContentType: "image/png", Data: []byte("PNGDATA"), Description: "alt"})
	if err != nil {
		t.Fatalf("UploadMedia failed: %v", err)
	}
	if att.ID != "m9" || calls != 3 {
		t.Fatalf("expected success on third attempt, got %+v after %d calls", att, calls)
	}
}

func TestMastodonUploadGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	m := NewMastodon(ClientOptions{BaseURL: ts.URL})
	m.uploadDelay = time.Millisecond
	_, err := m.UploadMedia(context.Background(), mastoAcct, MediaUpload{Filename: "a.png", Data: []byte("x")})
	if !errors.Is(err, syncerr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if calls != uploadAttempts {
		t.Fatalf("expected %d attempts, got %d", uploadAttempts, calls)
	}
}

func TestTimelineFetchIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	m := NewMastodon(ClientOptions{BaseURL: ts.URL})
	if _, err := m.FetchTimeline(context.Background(), Request{Account: mastoAcct, Kind: models.KindHome}); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("timeline fetches must not retry, got %d calls", calls)
	}
}

func TestTwitterTimelineIncludesAndToken(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/users/55/timelines/reverse_chronological" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{
			"data":[
				{"id":"1002","text":"RT","author_id":"9","created_at":"2024-05-01T12:00:00Z","referenced_tweets":[{"type":"retweeted","id":"900"}]},
				{"id":"1001","text":"look","author_id":"9","created_at":"2024-05-01T11:00:00Z",
				 "public_metrics":{"like_count":5,"retweet_count":2,"reply_count":1,"quote_count":0},
				 "attachments":{"media_keys":["3_1"],"poll_ids":["p7"]},"geo":{"place_id":"pl"}}
			],
			"includes":{
				"users":[{"id":"9","username":"carol","name":"Carol"},{"id":"8","username":"dave"}],
				"tweets":[{"id":"900","text":"orig","author_id":"8","created_at":"2024-04-01T00:00:00Z"}],
				"media":[{"media_key":"3_1","type":"photo","url":"https://pbs/1.jpg","width":10,"height":20}],
				"polls":[{"id":"p7","options":[{"label":"a","votes":2},{"label":"b","votes":3}]}],
				"places":[{"id":"pl","full_name":"Berlin","country":"Germany","geo":{"bbox":[13.0,52.0,14.0,53.0]}}]
			},
			"meta":{"result_count":2,"next_token":"tok2"}
		}`)
	}))
	defer ts.Close()

	tw := NewTwitter(ClientOptions{BaseURL: ts.URL, StaticToken: "app"})
	acct := models.AccountKey{UserID: "55", Domain: models.TwitterDomain}
	page, err := tw.FetchTimeline(context.Background(), Request{Account: acct, Kind: models.KindHome, Token: "tok1"})
	if err != nil {
		t.Fatalf("FetchTimeline failed: %v", err)
	}
	if !strings.Contains(gotQuery, "pagination_token=tok1") {
		t.Fatalf("token not threaded: %q", gotQuery)
	}
	if !page.HasMore || page.Next.Kind != CursorToken || page.Next.Token != "tok2" {
		t.Fatalf("unexpected cursor: %+v", page.Next)
	}
	if page.Statuses[0].RepostOfID != "900" || len(page.Includes.Statuses) != 1 || len(page.Includes.Authors) != 2 {
		t.Fatalf("includes not mapped: %+v", page)
	}
	pic := page.Statuses[1]
	if len(pic.Attachments) != 1 || pic.Poll == nil || pic.Poll.VotesCount != 5 {
		t.Fatalf("attachments/poll not resolved: %+v", pic)
	}
	if pic.Location == nil || pic.Location.Name != "Berlin" || pic.Location.Latitude != 52.5 {
		t.Fatalf("place not resolved: %+v", pic.Location)
	}
	if pic.Liked != nil {
		t.Fatalf("v2 timeline must not invent viewer state")
	}
}

func TestTwitterUnsupportedKind(t *testing.T) {
	tw := NewTwitter(ClientOptions{BaseURL: "http://127.0.0.1:1"})
	_, err := tw.FetchTimeline(context.Background(), Request{Kind: models.KindLocal})
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestTwitterLookup(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "1,2" {
			t.Fatalf("unexpected ids %q", r.URL.Query().Get("id"))
		}
		fmt.Fprint(w, `[
			{"id_str":"1","favorited":true,"retweeted":false,"favorite_count":7,
			 "extended_entities":{"media":[{"id_str":"m","type":"photo","media_url_https":"https://pbs/m.jpg"}]}},
			{"id_str":"2","favorited":false,"retweeted":true}
		]`)
	}))
	defer ts.Close()

	tw := NewTwitter(ClientOptions{BaseURL: ts.URL})
	got, err := tw.LookupStatuses(context.Background(), models.AccountKey{UserID: "55", Domain: models.TwitterDomain}, []string{"1", "2"})
	if err != nil {
		t.Fatalf("LookupStatuses failed: %v", err)
	}
	if len(got) != 2 || !*got[0].Liked || *got[1].Liked || !*got[1].Reposted {
		t.Fatalf("viewer flags not mapped: %+v", got)
	}
	if got[0].HasMedia == nil || !*got[0].HasMedia || len(got[0].Attachments) != 1 {
		t.Fatalf("extended media not mapped: %+v", got[0])
	}
	if got[1].HasMedia != nil {
		t.Fatalf("absent media must stay unknown")
	}

	if _, err := tw.LookupStatuses(context.Background(), models.AccountKey{}, make([]string, twitterLookupLimit+1)); err == nil {
		t.Fatalf("expected batch limit error")
	}
}

func TestRegistryResolvesByDomain(t *testing.T) {
	created := 0
	reg := NewRegistry(func(domain string) (Adapter, error) {
		created++
		return NewMastodon(ClientOptions{BaseURL: "https://" + domain}), nil
	})
	tw := NewTwitter(ClientOptions{})
	reg.Register(models.TwitterDomain, tw)

	a, err := reg.Resolve(models.AccountKey{UserID: "1", Domain: "Twitter.com"})
	if err != nil || a != tw {
		t.Fatalf("expected twitter adapter, got %v %v", a, err)
	}
	for i := 0; i < 2; i++ {
		a, err = reg.Resolve(models.AccountKey{UserID: "1", Domain: "fosstodon.org"})
		if err != nil || a.Backend() != models.BackendMastodon {
			t.Fatalf("expected mastodon adapter, got %v %v", a, err)
		}
	}
	if created != 1 {
		t.Fatalf("instance adapter should be cached, created %d", created)
	}
	if _, err := reg.Resolve(models.AccountKey{UserID: "1"}); !errors.Is(err, syncerr.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestRequestWithCursor(t *testing.T) {
	base := Request{Kind: models.KindHome, Limit: 20}
	if r := base.WithCursor(Cursor{Kind: CursorToken, Token: "t"}); r.Token != "t" {
		t.Fatalf("token cursor not applied")
	}
	if r := base.WithCursor(Cursor{Kind: CursorIDs, MaxID: "9"}); r.MaxID != "9" {
		t.Fatalf("id cursor not applied")
	}
	if r := base.WithCursor(Cursor{Kind: CursorOffset, Offset: 40, Limit: 10}); r.Offset != 40 || r.Limit != 10 {
		t.Fatalf("offset cursor not applied")
	}
}

// mapVault is a Vault shared by two Credentials, standing in for a store.
type mapVault struct {
	tokens map[models.AccountKey]string
	fail   bool
}

func (v *mapVault) SaveToken(ctx context.Context, account models.AccountKey, token string) error {
	if v.fail {
		return errors.New("vault down")
	}
	v.tokens[account] = token
	return nil
}

func (v *mapVault) LoadToken(ctx context.Context, account models.AccountKey) (string, error) {
	if v.fail {
		return "", errors.New("vault down")
	}
	return v.tokens[account], nil
}

func (v *mapVault) DeleteToken(ctx context.Context, account models.AccountKey) error {
	delete(v.tokens, account)
	return nil
}

func TestVaultCredentialsAreSharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	v := &mapVault{tokens: make(map[models.AccountKey]string)}
	server, worker := NewVaultCredentials(v), NewVaultCredentials(v)

	if err := server.Set(ctx, mastoAcct, "tok"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := worker.Token(ctx, mastoAcct); got != "tok" {
		t.Fatalf("worker should see the token set by the server, got %q", got)
	}
	if err := server.Delete(ctx, mastoAcct); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := worker.Token(ctx, mastoAcct); got != "" {
		t.Fatalf("deleted token still visible: %q", got)
	}

	v.fail = true
	if err := server.Set(ctx, mastoAcct, "tok"); err == nil {
		t.Fatalf("expected vault failure to surface")
	}
	if got := worker.Token(ctx, mastoAcct); got != "" {
		t.Fatalf("failed load should yield no token, got %q", got)
	}
}
