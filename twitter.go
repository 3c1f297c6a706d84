package tweetwatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Poller fetches the items a watched account has posted since a cursor.
type Poller interface {
	// Poll returns items newer than since, oldest first. An empty since
	// asks for the most recent page.
	Poll(ctx context.Context, since string) ([]Item, error)
}

// TwitterPoller reads an account's posts from the X API v2.
type TwitterPoller struct {
	// Account is the handle being watched, without the leading @.
	Account string

	// MaxResults is the page size requested from the API (5 to 100).
	MaxResults int

	// MaxPages bounds how many pages are followed when catching up from a
	// cursor. The first tick only ever reads one page.
	MaxPages int

	token      string
	userID     string
	apiBaseURL string
	client     *http.Client
	log        *zap.SugaredLogger
}

// TwitterOption configures a TwitterPoller.
type TwitterOption func(*TwitterPoller)

// NewTwitterPoller returns a poller for account authenticating with the
// given bearer token.
func NewTwitterPoller(account, token string, options ...TwitterOption) (*TwitterPoller, error) {
	account = strings.TrimPrefix(strings.TrimSpace(account), "@")
	if account == "" {
		return nil, errors.New("account to monitor must be specified")
	}
	if token == "" {
		return nil, errors.New("bearer token must be specified")
	}
	const twitterAPIBaseURL = "https://api.twitter.com"
	tp := &TwitterPoller{
		Account:    account,
		MaxResults: 10,
		MaxPages:   5,
		token:      token,
		apiBaseURL: twitterAPIBaseURL,
		client:     initHTTPClient(20 * time.Second),
		log:        zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(tp)
	}
	if tp.MaxResults < 5 || tp.MaxResults > 100 {
		return nil, errors.Errorf("max results must be between 5 and 100, got %d", tp.MaxResults)
	}
	if tp.MaxPages < 1 {
		tp.MaxPages = 1
	}
	return tp, nil
}

// WithTwitterLogger sets the *zap.SugaredLogger that the TwitterPoller will
// use internally. Without it a no-op logger is used.
func WithTwitterLogger(logger *zap.SugaredLogger) TwitterOption {
	return func(tp *TwitterPoller) {
		tp.log = logger
	}
}

// WithTwitterBaseURL points the poller at a different API host.
func WithTwitterBaseURL(base string) TwitterOption {
	return func(tp *TwitterPoller) {
		tp.apiBaseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(c *http.Client) TwitterOption {
	return func(tp *TwitterPoller) {
		tp.client = c
	}
}

// WithMaxResults sets the page size.
func WithMaxResults(n int) TwitterOption {
	return func(tp *TwitterPoller) {
		tp.MaxResults = n
	}
}

// WithMaxPages sets how many pages may be read while catching up.
func WithMaxPages(n int) TwitterOption {
	return func(tp *TwitterPoller) {
		tp.MaxPages = n
	}
}

// WithUserID skips the username lookup when the account's numeric ID is
// already known.
func WithUserID(id string) TwitterOption {
	return func(tp *TwitterPoller) {
		tp.userID = id
	}
}

// UserID returns the numeric ID of the watched account, looking it up on
// first use.
func (tp *TwitterPoller) UserID(ctx context.Context) (string, error) {
	if tp.userID != "" {
		return tp.userID, nil
	}
	endpoint := fmt.Sprintf("%s/2/users/by/username/%s", tp.apiBaseURL, url.PathEscape(tp.Account))
	var apiResponse struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
		Errors []apiError `json:"errors"`
	}
	if err := tp.get(ctx, "user", endpoint, &apiResponse); err != nil {
		return "", err
	}
	if apiResponse.Data.ID == "" {
		return "", &FetchError{
			Op:  "user",
			URL: endpoint,
			Err: errors.Errorf("user %s not found%s", tp.Account, describeAPIErrors(apiResponse.Errors)),
		}
	}
	tp.userID = apiResponse.Data.ID
	tp.log.Debugw("resolved account", "account", tp.Account, "user_id", tp.userID)
	return tp.userID, nil
}

// Poll fetches the account's posts newer than since. Without a cursor only
// the most recent page is read, which is all a baseline needs.
func (tp *TwitterPoller) Poll(ctx context.Context, since string) ([]Item, error) {
	uid, err := tp.UserID(ctx)
	if err != nil {
		return nil, err
	}

	pages := tp.MaxPages
	if since == "" {
		pages = 1
	}

	var (
		items []Item
		next  string
	)
	for page := 0; page < pages; page++ {
		batch, token, err := tp.fetchTimelinePage(ctx, uid, since, next)
		if err != nil {
			return nil, err
		}
		items = append(items, batch...)
		if token == "" {
			break
		}
		next = token
		if page == pages-1 {
			tp.log.Warnw("more posts than pages allowed; oldest may be skipped",
				"account", tp.Account,
				"since_id", since,
				"max_pages", pages)
		}
	}

	// The API returns newest first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	tp.log.Debugw("fetched posts",
		"account", tp.Account,
		"since_id", since,
		"count", len(items))
	return items, nil
}

func (tp *TwitterPoller) fetchTimelinePage(ctx context.Context, uid, since, pageToken string) ([]Item, string, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(tp.MaxResults))
	q.Set("tweet.fields", "created_at,text,id")
	if since != "" {
		q.Set("since_id", since)
	}
	if pageToken != "" {
		q.Set("pagination_token", pageToken)
	}
	endpoint := fmt.Sprintf("%s/2/users/%s/tweets?%s", tp.apiBaseURL, url.PathEscape(uid), q.Encode())

	var apiResponse struct {
		Data []struct {
			ID        string `json:"id"`
			Text      string `json:"text"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
		Meta struct {
			ResultCount int    `json:"result_count"`
			NewestID    string `json:"newest_id"`
			NextToken   string `json:"next_token"`
		} `json:"meta"`
	}
	if err := tp.get(ctx, "timeline", endpoint, &apiResponse); err != nil {
		return nil, "", err
	}

	items := make([]Item, 0, len(apiResponse.Data))
	for _, d := range apiResponse.Data {
		it := Item{ID: d.ID, Text: d.Text}
		if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
			it.CreatedAt = t
		} else if t, ok := SnowflakeTime(d.ID); ok {
			it.CreatedAt = t
		}
		items = append(items, it)
	}
	return items, apiResponse.Meta.NextToken, nil
}

// get performs an authenticated GET and decodes the JSON body into dest.
func (tp *TwitterPoller) get(ctx context.Context, op, endpoint string, dest interface{}) error {
	if tp.client == nil {
		tp.client = initHTTPClient(20 * time.Second)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &FetchError{Op: op, URL: endpoint, Err: err}
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Authorization", "Bearer "+tp.token)

	resp, err := tp.client.Do(req)
	if err != nil {
		return &FetchError{
			Op:  op,
			URL: endpoint,
			Err: errors.Wrap(err, "error reaching X API"),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fe := &FetchError{Op: op, URL: endpoint, Status: resp.StatusCode}
		var body struct {
			Title  string     `json:"title"`
			Detail string     `json:"detail"`
			Errors []apiError `json:"errors"`
		}
		if decodeResponse(resp.Body, &body) == nil && (body.Detail != "" || len(body.Errors) > 0) {
			fe.Err = errors.New(strings.TrimPrefix(body.Detail+describeAPIErrors(body.Errors), ": "))
		} else {
			fe.Err = errors.New(resp.Status)
		}
		if reset, err := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64); err == nil {
			fe.Reset = time.Unix(reset, 0).UTC()
		}
		return fe
	}
	if err := decodeResponse(resp.Body, dest); err != nil {
		return &FetchError{Op: op, URL: endpoint, Status: resp.StatusCode, Err: err}
	}
	return nil
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func describeAPIErrors(errs []apiError) string {
	var b strings.Builder
	for _, e := range errs {
		msg := e.Detail
		if msg == "" {
			msg = e.Title
		}
		if msg == "" {
			continue
		}
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}
