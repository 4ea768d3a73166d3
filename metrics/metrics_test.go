package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCounters(t *testing.T) {
	m := New()

	m.RecordRequest("tools/call", 5*time.Millisecond, true)
	m.RecordRequest("tools/call", 5*time.Millisecond, false)
	m.RecordFrame("heartbeat")
	m.RecordMission("completed")
	m.RecordOriginDenied()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap["requests"])
	assert.Equal(t, int64(1), snap["failures"])
	assert.Equal(t, int64(1), snap["frames"])
	assert.Equal(t, int64(1), snap["missions"])
	assert.Equal(t, int64(1), snap["originDenials"])
}

func TestExpositionEndpoint(t *testing.T) {
	m := New()
	m.RecordRequest("ping", time.Millisecond, true)
	m.SetActiveSessions(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "transportcore_requests_total"))
	assert.True(t, strings.Contains(body, "transportcore_active_sessions 3"))
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	a := New()
	b := New()
	a.RecordRequest("ping", time.Millisecond, true)
	assert.Equal(t, int64(0), b.Snapshot()["requests"])
}
