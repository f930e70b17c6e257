package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v61/github"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GitHub only serves the last 300 public events per user.
const githubMaxEventPages = 3

type GitHubFetcher struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewGitHubFetcher targets baseURL ("" for api.github.com).
func NewGitHubFetcher(baseURL string, httpClient *http.Client) (*GitHubFetcher, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	f := &GitHubFetcher{httpClient: httpClient, logger: log.Logger}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		f.baseURL = u
	}
	return f, nil
}

func (f *GitHubFetcher) WithLogger(l zerolog.Logger) *GitHubFetcher {
	f.logger = l
	return f
}

func (f *GitHubFetcher) Platform() Platform { return GitHub }

func (f *GitHubFetcher) client(token string) *github.Client {
	c := github.NewClient(f.httpClient).WithAuthToken(token)
	if f.baseURL != nil {
		c.BaseURL = f.baseURL
	}
	return c
}

type pushPayload struct {
	Head    string `json:"head"`
	Commits []struct {
		SHA string `json:"sha"`
	} `json:"commits"`
}

// pushRef points at one commit pushed on the target day.
type pushRef struct {
	owner, repo, sha string
	pushedAt         time.Time
}

// FetchActivity returns one item per commit pushed by the user during date.
func (f *GitHubFetcher) FetchActivity(ctx context.Context, id Identity, date time.Time, loc *time.Location) ([]Item, error) {
	if id.GitHubLogin == "" || id.GitHubToken == "" {
		return nil, fmt.Errorf("github: user %d has no linked account", id.UserID)
	}
	gh := f.client(id.GitHubToken)
	start, end := DayWindow(date, loc)

	refs, err := f.listPushes(ctx, gh, id.GitHubLogin, start, end)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(refs))
	for _, ref := range refs {
		it, err := f.fetchDetail(ctx, gh, ref)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	f.logger.Debug().Uint64("user_id", id.UserID).Int("commits", len(items)).Msg("github activity fetched")
	return items, nil
}

func (f *GitHubFetcher) listPushes(ctx context.Context, gh *github.Client, login string, start, end time.Time) ([]pushRef, error) {
	var refs []pushRef
	seen := make(map[string]struct{})
	opts := &github.ListOptions{PerPage: 100}

	for page := 0; page < githubMaxEventPages; page++ {
		events, resp, err := gh.Activity.ListEventsPerformedByUser(ctx, login, false, opts)
		if err != nil {
			return nil, classifyGitHub(err)
		}

		older := false
		for _, e := range events {
			at := e.GetCreatedAt().Time
			if at.Before(start) {
				older = true
				continue
			}
			if !inWindow(at, start, end) || e.GetType() != "PushEvent" || e.RawPayload == nil {
				continue
			}
			var p pushPayload
			if err := json.Unmarshal(*e.RawPayload, &p); err != nil {
				f.logger.Warn().Err(err).Str("event_id", e.GetID()).Msg("skipping malformed push event")
				continue
			}
			owner, repo, ok := strings.Cut(e.GetRepo().GetName(), "/")
			if !ok {
				continue
			}
			shas := []string{p.Head}
			for _, c := range p.Commits {
				shas = append(shas, c.SHA)
			}
			for _, sha := range shas {
				if sha == "" {
					continue
				}
				if _, dup := seen[owner+"/"+repo+"@"+sha]; dup {
					continue
				}
				seen[owner+"/"+repo+"@"+sha] = struct{}{}
				refs = append(refs, pushRef{owner: owner, repo: repo, sha: sha, pushedAt: at})
			}
		}

		// events are newest first
		if older || resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return refs, nil
}

func (f *GitHubFetcher) fetchDetail(ctx context.Context, gh *github.Client, ref pushRef) (Item, error) {
	c, _, err := gh.Repositories.GetCommit(ctx, ref.owner, ref.repo, ref.sha, nil)
	if err != nil {
		return Item{}, classifyGitHub(err)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return Item{}, err
	}
	msg := c.GetCommit().GetMessage()
	title, _, _ := strings.Cut(msg, "\n")

	return Item{
		ExternalID: c.GetSHA(),
		Kind:       "commit",
		Title:      title,
		Body:       commitDetailText(ref.owner+"/"+ref.repo, c),
		URL:        c.GetHTMLURL(),
		OccurredAt: ref.pushedAt,
		Payload:    payload,
	}, nil
}

func commitDetailText(repo string, c *github.RepositoryCommit) string {
	var sb strings.Builder
	st := c.GetStats()
	fmt.Fprintf(&sb, "repository: %s\n", repo)
	fmt.Fprintf(&sb, "commit message: %s\n", c.GetCommit().GetMessage())
	fmt.Fprintf(&sb, "stats: +%d/-%d (%d changes)\n\n", st.GetAdditions(), st.GetDeletions(), st.GetTotal())

	for _, file := range c.Files {
		fmt.Fprintf(&sb, "%s: %s +%d/-%d", file.GetStatus(), file.GetFilename(), file.GetAdditions(), file.GetDeletions())
		if patch := file.GetPatch(); patch != "" {
			sb.WriteString("\n\n")
			sb.WriteString(clip(patch, maxPatchChars))
			if len([]rune(patch)) > maxPatchChars {
				sb.WriteString(TruncationMarker)
			}
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func classifyGitHub(err error) error {
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		if er.Response != nil && er.Response.StatusCode >= 500 {
			return unavailable(GitHub, err)
		}
		return fmt.Errorf("github: %w", err)
	}
	var rl *github.RateLimitError
	var arl *github.AbuseRateLimitError
	if errors.As(err, &rl) || errors.As(err, &arl) {
		return unavailable(GitHub, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return unavailable(GitHub, err)
}
