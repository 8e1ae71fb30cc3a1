package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable_Lookup(t *testing.T) {
	table := DefaultTable()

	loggedOut, known := table.Lookup(CauseLoggedOut)
	assert.True(t, known)
	assert.True(t, loggedOut.Permanent)
	assert.True(t, loggedOut.CleanupCredentials)
	assert.True(t, loggedOut.NotifyUser)

	timedOut, known := table.Lookup(CauseTimedOut)
	assert.True(t, known)
	assert.True(t, timedOut.ShouldReconnect)
	assert.False(t, timedOut.Permanent)

	badSession, _ := table.Lookup(CauseBadSession)
	assert.True(t, badSession.SkipVerify)
}

func TestDefaultTable_UnknownCodeFallsBack(t *testing.T) {
	table := DefaultTable()

	c, known := table.Lookup(9999)
	assert.False(t, known)
	assert.True(t, c.ShouldReconnect, "unknown causes must be retried conservatively")
	assert.False(t, c.Permanent)
	assert.GreaterOrEqual(t, c.BackoffBase, 30*time.Second)
}

func TestTable_MergeYAML(t *testing.T) {
	table := DefaultTable()

	err := table.MergeYAML([]byte(`
408:
  description: operator override, give up fast
  permanent: true
  notify_user: true
7001:
  description: custom gateway drain
  should_reconnect: true
  backoff_base: 2s
  max_attempts: 4
`))
	require.NoError(t, err)

	overridden, known := table.Lookup(CauseTimedOut)
	assert.True(t, known)
	assert.True(t, overridden.Permanent)
	assert.False(t, overridden.ShouldReconnect, "override replaces the entry wholesale")

	custom, known := table.Lookup(7001)
	assert.True(t, known)
	assert.True(t, custom.ShouldReconnect)
	assert.Equal(t, 2*time.Second, custom.BackoffBase)
	assert.Equal(t, 4, custom.MaxAttempts)
}

func TestTable_MergeYAMLRejectsGarbage(t *testing.T) {
	table := DefaultTable()

	err := table.MergeYAML([]byte("not: [valid"))
	assert.Error(t, err)
}
