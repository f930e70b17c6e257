package lock

import (
	"fmt"
	"time"
)

const (
	collectTask        = "collect_events_and_summarize_work_log_task"
	syncJiraUsersTask  = "sync_jira_users_task"
	syncSlackUsersTask = "sync_slack_users_task"
)

// CollectAllKey guards the scheduled run over every user.
func CollectAllKey() Name {
	return Name(collectTask)
}

// CollectUserKey guards one user's run for one target date.
func CollectUserKey(userID uint64, targetDate time.Time) Name {
	return Name(fmt.Sprintf("%s:users:%d:target_date:%s", collectTask, userID, targetDate.Format(time.DateOnly)))
}

func SyncJiraUsersKey() Name  { return Name(syncJiraUsersTask) }
func SyncSlackUsersKey() Name { return Name(syncSlackUsersTask) }
