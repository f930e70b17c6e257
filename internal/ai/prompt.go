package ai

import (
	"strings"
	"text/template"
)

// Prompt is a named text/template.
type Prompt struct {
	Name string
	tmpl *template.Template
}

func NewPrompt(name, text string) *Prompt {
	return &Prompt{Name: name, tmpl: template.Must(template.New(name).Option("missingkey=error").Parse(text))}
}

func (p *Prompt) Render(vars any) (string, error) {
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, vars); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// DigestVars is the variable set every summary prompt takes.
type DigestVars struct {
	Digest string
}

var GitHubCommitSummary = NewPrompt("github_commit_summary", `You are a developer writing a work log from GitHub commit data.

Analyze the commit details below and write a concise work log.

## Rules
- Group commits that serve the same purpose into a single work item.
- For each item, summarize what was done and why in 1-2 sentences.
- When a commit message is vague, infer the intent from the code changes.
- Ignore trivial changes (formatting, whitespace, lock files, generated code).

## Output format
### [repository name]
- [work summary]
  - Key changes: [short description of important file changes]

## Commit details
{{.Digest}}

## Work log
`)

var JiraIssueSummary = NewPrompt("jira_issue_summary", `You are a developer writing a work log from Jira issue activity.

Analyze the issue activity below and write a concise work log.

## Rules
- Write one item per issue, keyed by the issue key.
- Describe the progress made on the day: status transitions and the substance of comments.
- Skip issues with no meaningful change on the day.

## Output format
- [ISSUE-KEY] [issue title]: [progress summary]

## Issue activity
{{.Digest}}

## Work log
`)

var SlackMessageSummary = NewPrompt("slack_message_summary", `You are a developer writing a work log from Slack messages you sent.

Analyze the messages below and write a concise work log.

## Rules
- Group messages by channel and topic.
- Keep discussions, decisions and requests; drop greetings and small talk.
- Do not quote messages verbatim; summarize them.

## Output format
### #[channel]
- [topic]: [summary]

## Messages
{{.Digest}}

## Work log
`)
