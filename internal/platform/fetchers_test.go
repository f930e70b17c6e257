package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var targetDate = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGitHubFetcher_PushEventsOnTargetDay(t *testing.T) {
	longPatch := strings.Repeat("+", 600)
	mux := http.NewServeMux()
	mux.HandleFunc("/users/octo/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, []map[string]any{
			{"id": "3", "type": "PushEvent", "created_at": "2024-05-01T18:00:00Z",
				"repo":    map[string]any{"name": "acme/api"},
				"payload": map[string]any{"head": "bbb", "commits": []map[string]any{{"sha": "aaa"}, {"sha": "bbb"}}}},
			{"id": "2", "type": "WatchEvent", "created_at": "2024-05-01T10:00:00Z",
				"repo": map[string]any{"name": "acme/api"}, "payload": map[string]any{}},
			{"id": "1", "type": "PushEvent", "created_at": "2024-04-30T10:00:00Z",
				"repo": map[string]any{"name": "acme/api"}, "payload": map[string]any{"head": "old"}},
		})
	})
	mux.HandleFunc("/repos/acme/api/commits/", func(w http.ResponseWriter, r *http.Request) {
		sha := strings.TrimPrefix(r.URL.Path, "/repos/acme/api/commits/")
		if sha == "old" {
			t.Errorf("fetched commit outside the target day")
		}
		writeJSON(w, map[string]any{
			"sha":      sha,
			"html_url": "https://github.com/acme/api/commit/" + sha,
			"commit":   map[string]any{"message": "fix " + sha + "\n\nbody"},
			"stats":    map[string]any{"additions": 3, "deletions": 1, "total": 4},
			"files": []map[string]any{
				{"filename": "main.go", "status": "modified", "additions": 3, "deletions": 1, "patch": longPatch},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := NewGitHubFetcher(srv.URL, srv.Client())
	require.NoError(t, err)

	items, err := f.FetchActivity(context.Background(), Identity{UserID: 1, GitHubLogin: "octo", GitHubToken: "tok"}, targetDate, time.UTC)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "bbb", items[0].ExternalID)
	assert.Equal(t, "aaa", items[1].ExternalID)
	assert.Equal(t, "fix bbb", items[0].Title)
	assert.Contains(t, items[0].Body, "repository: acme/api")
	assert.Contains(t, items[0].Body, "stats: +3/-1 (4 changes)")
	assert.Contains(t, items[0].Body, "modified: main.go +3/-1")
	assert.Contains(t, items[0].Body, strings.Repeat("+", 500)+TruncationMarker)
	assert.NotContains(t, items[0].Body, strings.Repeat("+", 501))
	assert.NotEmpty(t, items[0].Payload)
}

func TestGitHubFetcher_ServerErrorIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	f, err := NewGitHubFetcher(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = f.FetchActivity(context.Background(), Identity{GitHubLogin: "octo", GitHubToken: "tok"}, targetDate, time.UTC)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable), "got %v", err)
}

func TestGitHubFetcher_RequiresLinkage(t *testing.T) {
	f, err := NewGitHubFetcher("", nil)
	require.NoError(t, err)
	_, err = f.FetchActivity(context.Background(), Identity{UserID: 9}, targetDate, time.UTC)
	assert.Error(t, err)
}

func TestIssueQuery_JQL(t *testing.T) {
	q := IssueQuery{
		Project:       "FMP",
		AssigneeID:    "acc-1",
		Statuses:      []string{"In Progress", "Done"},
		UpdatedAfter:  "2024-05-01",
		UpdatedBefore: "2024-05-02",
	}
	assert.Equal(t,
		"project = 'FMP' AND assignee = 'acc-1' AND status in ('In Progress', 'Done') AND updatedDate >= '2024-05-01' AND updatedDate < '2024-05-02' ORDER BY updatedDate DESC",
		q.JQL())
}

func TestIssueQuery_JQLEscapesQuotes(t *testing.T) {
	q := IssueQuery{Project: `O'Brien`, AssigneeID: `a\b' OR assignee is not EMPTY OR '`}
	assert.Equal(t,
		`project = 'O\'Brien' AND assignee = 'a\\b\' OR assignee is not EMPTY OR \'' ORDER BY updatedDate DESC`,
		q.JQL())
}

func TestJiraFetcher_FiltersChangesToTargetDay(t *testing.T) {
	var gotJQL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@acme.io", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/rest/api/2/search", r.URL.Path)
		gotJQL = r.URL.Query().Get("jql")

		writeJSON(w, map[string]any{"issues": []map[string]any{{
			"id":  "10001",
			"key": "FMP-7",
			"fields": map[string]any{
				"summary":   "Login fails",
				"status":    map[string]any{"name": "In QA"},
				"issuetype": map[string]any{"name": "Bug"},
				"priority":  map[string]any{"name": "High"},
				"labels":    []string{"auth"},
				"updated":   "2024-05-01T09:30:00.000+0000",
				"comment": map[string]any{"comments": []map[string]any{
					{"author": map[string]any{"displayName": "Kim"}, "body": "fixed token refresh", "created": "2024-05-01T09:00:00.000+0000"},
					{"author": map[string]any{"displayName": "Kim"}, "body": "old note", "created": "2024-04-29T09:00:00.000+0000"},
				}},
			},
			"changelog": map[string]any{"histories": []map[string]any{
				{"id": "1", "created": "2024-05-01T08:00:00.000+0000", "items": []map[string]any{
					{"field": "status", "fromString": "In Progress", "toString": "In QA"},
					{"field": "assignee", "fromString": "a", "toString": "b"},
				}},
				{"id": "0", "created": "2024-04-20T08:00:00.000+0000", "items": []map[string]any{
					{"field": "status", "fromString": "Open", "toString": "In Progress"},
				}},
			}},
		}}})
	}))
	defer srv.Close()

	f := NewJiraFetcher(srv.URL+"/", "bot@acme.io", "secret", srv.Client())
	items, err := f.FetchActivity(context.Background(), Identity{JiraAccountID: "acc-1", JiraProject: "FMP"}, targetDate, time.UTC)
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Contains(t, gotJQL, "updatedDate >= '2024-05-01'")
	assert.Contains(t, gotJQL, "updatedDate < '2024-05-02'")

	body := items[0].Body
	assert.Contains(t, body, "[FMP-7] Bug: Login fails")
	assert.Contains(t, body, "Priority: High")
	assert.Contains(t, body, "Labels: auth")
	assert.Contains(t, body, "- Status: In Progress -> In QA (2024-05-01 08:00:00)")
	assert.NotContains(t, body, "Open -> In Progress")
	assert.Contains(t, body, "fixed token refresh")
	assert.NotContains(t, body, "old note")
	assert.Equal(t, srv.URL+"/browse/FMP-7", items[0].URL)
}

func TestJiraFetcher_RequiresProject(t *testing.T) {
	f := NewJiraFetcher("http://jira", "u", "p", nil)
	_, err := f.FetchActivity(context.Background(), Identity{JiraAccountID: "acc"}, targetDate, time.UTC)
	assert.Error(t, err)
}

func TestJiraFetcher_5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewJiraFetcher(srv.URL, "u", "p", srv.Client())
	_, err := f.FetchActivity(context.Background(), Identity{JiraAccountID: "acc", JiraProject: "P"}, targetDate, time.UTC)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestSlackFetcher_MessagesAndThreadReplies(t *testing.T) {
	start := targetDate.Unix()
	ts := func(offset int64) string { return fmt.Sprintf("%d.000100", start+offset) }

	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xoxb", r.Header.Get("Authorization"))
		writeJSON(w, map[string]any{"ok": true, "channels": []map[string]any{
			{"id": "C1", "name": "dev", "is_member": true},
			{"id": "C2", "name": "random", "is_member": false},
		}})
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel") != "C1" {
			t.Errorf("history requested for non-member channel %s", r.URL.Query().Get("channel"))
		}
		assert.Equal(t, fmt.Sprintf("%d.000000", start), r.URL.Query().Get("oldest"))
		writeJSON(w, map[string]any{"ok": true, "messages": []map[string]any{
			{"ts": ts(300), "user": "U1", "text": "deployed v2"},
			{"ts": ts(200), "user": "U2", "text": "not mine"},
			{"ts": ts(100), "user": "U1", "text": "replying in thread", "thread_ts": ts(50)},
		}})
	})
	mux.HandleFunc("/conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ts(50), r.URL.Query().Get("ts"))
		writeJSON(w, map[string]any{"ok": true, "messages": []map[string]any{
			{"ts": ts(50), "user": "U2", "text": "parent"},
			{"ts": ts(100), "user": "U1", "text": "replying in thread", "thread_ts": ts(50)},
			{"ts": ts(150), "user": "U1", "text": "second reply", "thread_ts": ts(50)},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewSlackFetcher(srv.URL, "xoxb", 0, srv.Client())
	items, err := f.FetchActivity(context.Background(), Identity{SlackMemberID: "U1"}, targetDate, time.UTC)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "[#dev] deployed v2", items[0].Body)
	assert.Equal(t, "[#dev] replying in thread", items[1].Body)
	assert.Equal(t, "[#dev] second reply", items[2].Body)
	assert.Equal(t, "C1:"+ts(150), items[2].ExternalID)
	assert.Equal(t, time.Unix(start+150, 100000), items[2].OccurredAt)
}

func TestSlackFetcher_APIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": false, "error": "ratelimited"})
	}))
	defer srv.Close()

	f := NewSlackFetcher(srv.URL, "xoxb", 0, srv.Client())
	_, err := f.FetchActivity(context.Background(), Identity{SlackMemberID: "U1"}, targetDate, time.UTC)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": false, "error": "invalid_auth"})
	}))
	defer srv2.Close()
	f2 := NewSlackFetcher(srv2.URL, "bad", 0, srv2.Client())
	_, err = f2.FetchActivity(context.Background(), Identity{SlackMemberID: "U1"}, targetDate, time.UTC)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "invalid_auth")
}

func TestJiraFetcher_AssignableUsersPages(t *testing.T) {
	var starts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/user/assignable/multiProjectSearch", r.URL.Path)
		assert.Equal(t, "FMP", r.URL.Query().Get("projectKeys"))
		starts = append(starts, r.URL.Query().Get("startAt"))

		if r.URL.Query().Get("startAt") != "0" {
			writeJSON(w, []map[string]any{{"accountId": "last", "displayName": "Last", "active": false}})
			return
		}
		page := make([]map[string]any, jiraUserPageSize)
		for i := range page {
			page[i] = map[string]any{"accountId": fmt.Sprintf("acc-%d", i), "displayName": "User", "active": true}
		}
		page[0] = map[string]any{"accountId": "acc-0", "displayName": "Kim", "emailAddress": "kim@acme.io",
			"active": true, "self": "https://jira/rest/api/2/user?accountId=acc-0"}
		page[1] = map[string]any{"accountId": "bot", "accountType": "app", "displayName": "Automation"}
		writeJSON(w, page)
	}))
	defer srv.Close()

	users, err := NewJiraFetcher(srv.URL, "u", "p", srv.Client()).AssignableUsers(context.Background(), "FMP")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "100"}, starts)
	require.Len(t, users, jiraUserPageSize)
	assert.Equal(t, DirectoryUser{ID: "acc-0", DisplayName: "Kim", Email: "kim@acme.io", Active: true,
		URL: "https://jira/rest/api/2/user?accountId=acc-0"}, users[0])
	assert.Equal(t, "last", users[len(users)-1].ID)
	for _, u := range users {
		assert.NotEqual(t, "bot", u.ID)
	}
}

func TestJiraFetcher_AssignableUsers5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewJiraFetcher(srv.URL, "u", "p", srv.Client()).AssignableUsers(context.Background(), "FMP")
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable), "got %v", err)
}

func TestSlackFetcher_UsersSkipsBots(t *testing.T) {
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users.list", r.URL.Path)
		assert.Equal(t, "Bearer xoxb", r.Header.Get("Authorization"))
		cursors = append(cursors, r.URL.Query().Get("cursor"))

		if r.URL.Query().Get("cursor") == "" {
			writeJSON(w, map[string]any{"ok": true,
				"members": []map[string]any{
					{"id": "U1", "real_name": "Kim Old", "profile": map[string]any{"display_name": "kim", "real_name": "Kim Lee", "email": "kim@acme.io"}},
					{"id": "B1", "is_bot": true, "profile": map[string]any{"display_name": "deploybot"}},
					{"id": "USLACKBOT", "profile": map[string]any{"display_name": "Slackbot"}},
				},
				"response_metadata": map[string]any{"next_cursor": "page2"},
			})
			return
		}
		writeJSON(w, map[string]any{"ok": true,
			"members": []map[string]any{
				{"id": "U2", "deleted": true, "real_name": "Park", "profile": map[string]any{"display_name": "park"}},
			},
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	}))
	defer srv.Close()

	users, err := NewSlackFetcher(srv.URL, "xoxb", 0, srv.Client()).Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"", "page2"}, cursors)
	assert.Equal(t, []DirectoryUser{
		{ID: "U1", DisplayName: "kim", RealName: "Kim Lee", Email: "kim@acme.io", Active: true},
		{ID: "U2", DisplayName: "park", RealName: "Park"},
	}, users)
}
