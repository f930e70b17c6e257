package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const slackPageLimit = 200

type SlackFetcher struct {
	baseURL  string
	botToken string
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewSlackFetcher paces every Web API call at rps requests per second (burst 1).
// rps <= 0 disables pacing.
func NewSlackFetcher(baseURL, botToken string, rps float64, client *http.Client) *SlackFetcher {
	if baseURL == "" {
		baseURL = "https://slack.com/api/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if client == nil {
		client = &http.Client{}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &SlackFetcher{baseURL: baseURL, botToken: botToken, client: client, limiter: lim, logger: log.Logger}
}

func (f *SlackFetcher) WithLogger(l zerolog.Logger) *SlackFetcher {
	f.logger = l
	return f
}

func (f *SlackFetcher) Platform() Platform { return Slack }

type slackChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsMember  bool   `json:"is_member"`
	IsPrivate bool   `json:"is_private"`
}

type slackMessage struct {
	TS       string `json:"ts"`
	User     string `json:"user"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// slackbotID is the built-in Slackbot member, which users.list does not flag as a bot.
const slackbotID = "USLACKBOT"

type slackMember struct {
	ID       string `json:"id"`
	Deleted  bool   `json:"deleted"`
	IsBot    bool   `json:"is_bot"`
	RealName string `json:"real_name"`
	Profile  struct {
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
		Email       string `json:"email"`
	} `json:"profile"`
}

type slackResp struct {
	OK       bool              `json:"ok"`
	Error    string            `json:"error"`
	Channels []slackChannel    `json:"channels"`
	Messages []json.RawMessage `json:"messages"`
	Members  []slackMember     `json:"members"`
	HasMore  bool              `json:"has_more"`
	Meta     struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// FetchActivity returns the member's messages and thread replies posted during
// date in every channel the bot has joined.
func (f *SlackFetcher) FetchActivity(ctx context.Context, id Identity, date time.Time, loc *time.Location) ([]Item, error) {
	if id.SlackMemberID == "" {
		return nil, fmt.Errorf("slack: user %d has no linked member", id.UserID)
	}
	start, end := DayWindow(date, loc)

	channels, err := f.channels(ctx)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, ch := range channels {
		history, err := f.messages(ctx, "conversations.history", url.Values{
			"channel": {ch.ID},
			"oldest":  {slackTS(start)},
			"latest":  {slackTS(end)},
		})
		if err != nil {
			return nil, err
		}

		collected := make(map[string]struct{})
		var threads []string
		seenThread := make(map[string]struct{})
		for _, m := range history {
			if m.msg.User != id.SlackMemberID {
				continue
			}
			collected[m.msg.TS] = struct{}{}
			items = append(items, m.item(ch))
			if m.msg.ThreadTS == "" || m.msg.ThreadTS == m.msg.TS {
				continue
			}
			if _, ok := seenThread[m.msg.ThreadTS]; !ok {
				seenThread[m.msg.ThreadTS] = struct{}{}
				threads = append(threads, m.msg.ThreadTS)
			}
		}

		for _, ts := range threads {
			replies, err := f.messages(ctx, "conversations.replies", url.Values{
				"channel": {ch.ID},
				"ts":      {ts},
				"oldest":  {slackTS(start)},
				"latest":  {slackTS(end)},
			})
			if err != nil {
				return nil, err
			}
			for _, r := range replies {
				if r.msg.User != id.SlackMemberID {
					continue
				}
				if _, dup := collected[r.msg.TS]; dup {
					continue
				}
				collected[r.msg.TS] = struct{}{}
				items = append(items, r.item(ch))
			}
		}
	}
	f.logger.Debug().Uint64("user_id", id.UserID).Int("channels", len(channels)).Int("messages", len(items)).Msg("slack activity fetched")
	return items, nil
}

func (f *SlackFetcher) channels(ctx context.Context) ([]slackChannel, error) {
	var out []slackChannel
	cursor := ""
	for {
		q := url.Values{
			"types":            {"public_channel,private_channel"},
			"exclude_archived": {"true"},
			"limit":            {strconv.Itoa(slackPageLimit)},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		resp, err := f.call(ctx, "conversations.list", q)
		if err != nil {
			return nil, err
		}
		for _, ch := range resp.Channels {
			if ch.IsMember {
				out = append(out, ch)
			}
		}
		cursor = resp.Meta.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}

// Users lists the workspace's human members. Bots and Slackbot are left out;
// deactivated members are kept with Active unset.
func (f *SlackFetcher) Users(ctx context.Context) ([]DirectoryUser, error) {
	var out []DirectoryUser
	q := url.Values{"limit": {strconv.Itoa(slackPageLimit)}}
	for {
		resp, err := f.call(ctx, "users.list", q)
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Members {
			if m.IsBot || m.ID == slackbotID {
				continue
			}
			realName := m.Profile.RealName
			if realName == "" {
				realName = m.RealName
			}
			out = append(out, DirectoryUser{
				ID:          m.ID,
				DisplayName: m.Profile.DisplayName,
				RealName:    realName,
				Email:       m.Profile.Email,
				Active:      !m.Deleted,
			})
		}
		if resp.Meta.NextCursor == "" {
			f.logger.Debug().Int("users", len(out)).Msg("slack users fetched")
			return out, nil
		}
		q.Set("cursor", resp.Meta.NextCursor)
	}
}

type rawSlackMessage struct {
	msg slackMessage
	raw json.RawMessage
}

func (m rawSlackMessage) item(ch slackChannel) Item {
	return Item{
		ExternalID: ch.ID + ":" + m.msg.TS,
		Kind:       "message",
		Title:      "#" + ch.Name,
		Body:       fmt.Sprintf("[#%s] %s", ch.Name, m.msg.Text),
		OccurredAt: parseSlackTS(m.msg.TS),
		Payload:    m.raw,
	}
}

func (f *SlackFetcher) messages(ctx context.Context, method string, q url.Values) ([]rawSlackMessage, error) {
	var out []rawSlackMessage
	q.Set("limit", strconv.Itoa(slackPageLimit))
	for {
		resp, err := f.call(ctx, method, q)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Messages {
			var m slackMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				f.logger.Warn().Err(err).Str("method", method).Msg("skipping malformed slack message")
				continue
			}
			out = append(out, rawSlackMessage{msg: m, raw: raw})
		}
		if !resp.HasMore || resp.Meta.NextCursor == "" {
			return out, nil
		}
		q.Set("cursor", resp.Meta.NextCursor)
	}
}

func (f *SlackFetcher) call(ctx context.Context, method string, q url.Values) (*slackResp, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+method+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.botToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, unavailable(Slack, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, unavailable(Slack, fmt.Errorf("%s: status %d", method, resp.StatusCode))
	}
	var decoded slackResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("slack: decode %s: %w", method, err)
	}
	if !decoded.OK {
		err := fmt.Errorf("slack: %s: %s", method, decoded.Error)
		if decoded.Error == "ratelimited" {
			return nil, unavailable(Slack, errors.New(decoded.Error))
		}
		return nil, err
	}
	return &decoded, nil
}

func slackTS(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + ".000000"
}

func parseSlackTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var us int64
	if frac != "" {
		us, _ = strconv.ParseInt((frac + "000000")[:6], 10, 64)
	}
	return time.Unix(s, us*1000)
}
