package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "worklogctl", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should set RunE", c.Use)
	}
	assert.Len(t, names, 7)
	for _, want := range []string{"collect", "collect-all", "enqueue", "daily", "sync-users", "assign", "token"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Empty(t, configFlag.DefValue)
}

func TestUserDateFlags(t *testing.T) {
	for _, cmd := range []struct {
		name         string
		dateRequired bool
		build        func() *cobra.Command
	}{
		{"collect", false, buildCollectCommand},
		{"enqueue", false, buildEnqueueCommand},
		{"daily", true, buildDailyCommand},
	} {
		t.Run(cmd.name, func(t *testing.T) {
			c := cmd.build()
			user := c.Flags().Lookup("user")
			require.NotNil(t, user)
			assert.Equal(t, "u", user.Shorthand)
			assert.Equal(t, []string{"true"}, user.Annotations[cobra.BashCompOneRequiredFlag])

			date := c.Flags().Lookup("date")
			require.NotNil(t, date)
			assert.Equal(t, "d", date.Shorthand)
			_, required := date.Annotations[cobra.BashCompOneRequiredFlag]
			assert.Equal(t, cmd.dateRequired, required)
		})
	}
}

func TestTokenCommand_IssuesVerifiableToken(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "cli-secret")

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--user", "42", "--ttl", "1h"})
	require.NoError(t, root.Execute())

	raw := strings.TrimSpace(out.String())
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenCommand_RequiresUser(t *testing.T) {
	root := BuildCLI()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	assert.Error(t, root.Execute())
}

func TestOptionalDate(t *testing.T) {
	d, err := optionalDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = optionalDate("2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), d)

	_, err = optionalDate("2024/03/10")
	assert.Error(t, err)
}

func TestAssignCommand_NeedsExactlyOneAccount(t *testing.T) {
	for _, args := range [][]string{
		{"assign", "--user", "1"},
		{"assign", "--user", "1", "--jira", "acc-1", "--slack", "U1"},
	} {
		root := BuildCLI()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		assert.ErrorContains(t, root.Execute(), "exactly one of --jira or --slack")
	}
}

func TestSyncUsersCommand_RejectsUnknownDirectory(t *testing.T) {
	root := BuildCLI()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sync-users", "--only", "github"})
	assert.ErrorContains(t, root.Execute(), "--only must be jira or slack")
}
