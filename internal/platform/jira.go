package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// jiraTimeLayout is how Jira Cloud renders created/updated timestamps.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// jiraMaxResults caps one day's search; more than 50 updated issues a day is not expected.
const jiraMaxResults = 50

const jiraUserPageSize = 100

// JiraActiveStatuses are the workflow states that count as work done.
var JiraActiveStatuses = []string{
	"In Progress",
	"In Dev Review",
	"Ready For QA",
	"In QA",
	"Ready For Release",
	"Done",
	"Closed",
}

type JiraFetcher struct {
	baseURL  string
	username string
	apiToken string
	client   *http.Client
	logger   zerolog.Logger
}

func NewJiraFetcher(baseURL, username, apiToken string, client *http.Client) *JiraFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &JiraFetcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		apiToken: apiToken,
		client:   client,
		logger:   log.Logger,
	}
}

func (f *JiraFetcher) WithLogger(l zerolog.Logger) *JiraFetcher {
	f.logger = l
	return f
}

func (f *JiraFetcher) Platform() Platform { return Jira }

// IssueQuery builds the JQL for one assignee's issues updated during [from, to).
type IssueQuery struct {
	Project       string
	AssigneeID    string
	Statuses      []string
	UpdatedAfter  string // YYYY-MM-DD, inclusive
	UpdatedBefore string // YYYY-MM-DD, exclusive
}

func (q IssueQuery) JQL() string {
	var conds []string
	if q.Project != "" {
		conds = append(conds, "project = "+jqlQuote(q.Project))
	}
	if q.AssigneeID != "" {
		conds = append(conds, "assignee = "+jqlQuote(q.AssigneeID))
	}
	if len(q.Statuses) > 0 {
		quoted := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			quoted[i] = jqlQuote(s)
		}
		conds = append(conds, fmt.Sprintf("status in (%s)", strings.Join(quoted, ", ")))
	}
	if q.UpdatedAfter != "" {
		conds = append(conds, "updatedDate >= "+jqlQuote(q.UpdatedAfter))
	}
	if q.UpdatedBefore != "" {
		conds = append(conds, "updatedDate < "+jqlQuote(q.UpdatedBefore))
	}
	return strings.Join(conds, " AND ") + " ORDER BY updatedDate DESC"
}

var jqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// jqlQuote renders v as a single-quoted JQL string literal.
func jqlQuote(v string) string {
	return "'" + jqlEscaper.Replace(v) + "'"
}

type jiraIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Self   string `json:"self"`
	Fields struct {
		Summary   string                 `json:"summary"`
		Status    struct{ Name string }  `json:"status"`
		IssueType struct{ Name string }  `json:"issuetype"`
		Priority  *struct{ Name string } `json:"priority"`
		Labels    []string               `json:"labels"`
		Updated   string                 `json:"updated"`
		Comment   struct {
			Comments []struct {
				Author  struct{ DisplayName string } `json:"author"`
				Body    string                       `json:"body"`
				Created string                       `json:"created"`
			} `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
	Changelog struct {
		Histories []struct {
			ID      string `json:"id"`
			Created string `json:"created"`
			Items   []struct {
				Field      string `json:"field"`
				FromString string `json:"fromString"`
				ToString   string `json:"toString"`
			} `json:"items"`
		} `json:"histories"`
	} `json:"changelog"`
}

// FetchActivity returns one item per issue assigned to the user and updated during date.
func (f *JiraFetcher) FetchActivity(ctx context.Context, id Identity, date time.Time, loc *time.Location) ([]Item, error) {
	if id.JiraAccountID == "" || id.JiraProject == "" {
		return nil, fmt.Errorf("jira: user %d has no assigned project", id.UserID)
	}
	start, end := DayWindow(date, loc)
	q := IssueQuery{
		Project:       id.JiraProject,
		AssigneeID:    id.JiraAccountID,
		Statuses:      JiraActiveStatuses,
		UpdatedAfter:  start.Format(time.DateOnly),
		UpdatedBefore: end.Format(time.DateOnly),
	}

	issues, err := f.search(ctx, q)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(issues))
	for _, raw := range issues {
		var is jiraIssue
		if err := json.Unmarshal(raw, &is); err != nil {
			f.logger.Warn().Err(err).Msg("skipping malformed jira issue")
			continue
		}
		occurred, _ := time.Parse(jiraTimeLayout, is.Fields.Updated)
		items = append(items, Item{
			ExternalID: is.ID,
			Kind:       "issue",
			Title:      is.Key + " " + is.Fields.Summary,
			Body:       issueDetailText(is, start, end),
			URL:        f.baseURL + "/browse/" + is.Key,
			OccurredAt: occurred,
			Payload:    raw,
		})
	}
	f.logger.Debug().Uint64("user_id", id.UserID).Int("issues", len(items)).Msg("jira activity fetched")
	return items, nil
}

func (f *JiraFetcher) search(ctx context.Context, q IssueQuery) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("jql", q.JQL())
	params.Set("expand", "changelog")
	params.Set("fields", "summary,status,issuetype,priority,labels,updated,comment")
	params.Set("maxResults", fmt.Sprint(jiraMaxResults))

	var decoded struct {
		Issues []json.RawMessage `json:"issues"`
	}
	if err := f.get(ctx, "/rest/api/2/search", params, &decoded); err != nil {
		return nil, err
	}
	return decoded.Issues, nil
}

type jiraDirectoryUser struct {
	AccountID    string `json:"accountId"`
	AccountType  string `json:"accountType"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	Active       bool   `json:"active"`
	Self         string `json:"self"`
}

// AssignableUsers lists every account assignable to issues in project, paging
// until Jira returns a short page. App accounts are left out.
func (f *JiraFetcher) AssignableUsers(ctx context.Context, project string) ([]DirectoryUser, error) {
	var out []DirectoryUser
	for startAt := 0; ; {
		params := url.Values{}
		params.Set("projectKeys", project)
		params.Set("startAt", fmt.Sprint(startAt))
		params.Set("maxResults", fmt.Sprint(jiraUserPageSize))

		var page []jiraDirectoryUser
		if err := f.get(ctx, "/rest/api/2/user/assignable/multiProjectSearch", params, &page); err != nil {
			return nil, err
		}
		for _, u := range page {
			if u.AccountID == "" || u.AccountType == "app" {
				continue
			}
			out = append(out, DirectoryUser{
				ID:          u.AccountID,
				DisplayName: u.DisplayName,
				Email:       u.EmailAddress,
				Active:      u.Active,
				URL:         u.Self,
			})
		}
		if len(page) < jiraUserPageSize {
			break
		}
		startAt += len(page)
	}
	f.logger.Debug().Str("project", project).Int("users", len(out)).Msg("jira assignable users fetched")
	return out, nil
}

// get issues an authenticated GET and decodes the JSON body into dst.
func (f *JiraFetcher) get(ctx context.Context, path string, params url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(f.username, f.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return unavailable(Jira, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return unavailable(Jira, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("jira: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("jira: decode %s: %w", path, err)
	}
	return nil
}

// issueDetailText renders the issue plus only the status changes and comments made during [start, end).
func issueDetailText(is jiraIssue, start, end time.Time) string {
	lines := []string{
		fmt.Sprintf("[%s] %s: %s", is.Key, is.Fields.IssueType.Name, is.Fields.Summary),
		"Current status: " + is.Fields.Status.Name,
	}
	if is.Fields.Priority != nil && is.Fields.Priority.Name != "" {
		lines = append(lines, "Priority: "+is.Fields.Priority.Name)
	}
	if len(is.Fields.Labels) > 0 {
		lines = append(lines, "Labels: "+strings.Join(is.Fields.Labels, ", "))
	}

	var changes []string
	for _, h := range is.Changelog.Histories {
		at, err := time.Parse(jiraTimeLayout, h.Created)
		if err != nil || !inWindow(at, start, end) {
			continue
		}
		for _, it := range h.Items {
			if it.Field == "status" {
				changes = append(changes, fmt.Sprintf("- Status: %s -> %s (%s)", it.FromString, it.ToString, at.In(start.Location()).Format(time.DateTime)))
			}
		}
	}
	if len(changes) > 0 {
		lines = append(lines, "Changes:")
		lines = append(lines, changes...)
	}

	var comments []string
	for _, c := range is.Fields.Comment.Comments {
		at, err := time.Parse(jiraTimeLayout, c.Created)
		if err != nil || !inWindow(at, start, end) {
			continue
		}
		comments = append(comments, fmt.Sprintf("- (%s) %s", at.In(start.Location()).Format(time.DateTime), clip(c.Body, maxCommentChars)))
	}
	if len(comments) > 0 {
		lines = append(lines, "Comments:")
		lines = append(lines, comments...)
	}
	return strings.Join(lines, "\n")
}
