package tool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
)

func TestLoadRegistryDefault(t *testing.T) {
	t.Setenv("MCP_CALENDAR_URL", "http://calendar.internal:9000/")
	t.Setenv("MCP_CRM_TOKEN", "crm-secret")

	r, err := LoadRegistry("")
	require.NoError(t, err)

	book, err := r.Resolve("book_meeting")
	require.NoError(t, err)
	assert.Equal(t, "http://calendar.internal:9000/tools/book_meeting", book.Endpoint)
	assert.False(t, book.Idempotent)
	assert.Equal(t, 8*time.Second, book.Timeout)

	crm, ok := r.Provider("crm")
	require.True(t, ok)
	assert.Equal(t, "crm-secret", crm.Token)
	assert.Equal(t, "http://localhost:8002", crm.BaseURL)

	workflow, ok := r.Provider("workflow")
	require.True(t, ok)
	assert.EqualValues(t, 4, workflow.MaxConcurrency)

	outcome, err := r.Resolve("log_call_outcome")
	require.NoError(t, err)
	assert.True(t, outcome.Internal)
}

func TestRegistryResolveUnknown(t *testing.T) {
	t.Parallel()

	r, err := LoadRegistry("")
	require.NoError(t, err)

	_, err = r.Resolve("launch_rocket")
	assert.True(t, errors.Is(err, contractx.ErrToolNotFound))
}

func TestRegistryCatalogExcludesInternalAndSorts(t *testing.T) {
	t.Parallel()

	r, err := LoadRegistry("")
	require.NoError(t, err)

	specs := r.Catalog()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"book_meeting",
		"cancel_meeting",
		"check_availability",
		"create_deal",
		"get_lead",
		"get_lead_history",
		"log_activity",
		"reschedule_meeting",
		"send_notification",
		"trigger_workflow",
		"update_lead",
	}, names)
}

func TestRegistryValidateArguments(t *testing.T) {
	t.Parallel()

	r, err := LoadRegistry("")
	require.NoError(t, err)
	d, err := r.Resolve("log_activity")
	require.NoError(t, err)

	err = r.ValidateArguments(d, map[string]any{
		"lead_id":       "L-1",
		"activity_type": "demo_booked",
		"notes":         "booked for Tuesday",
	})
	require.NoError(t, err)

	err = r.ValidateArguments(d, map[string]any{
		"lead_id":       "L-1",
		"activity_type": "sang_a_song",
	})
	require.Error(t, err)
	var toolErr *contractx.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeInvalidArguments, toolErr.Code)
	assert.True(t, errors.Is(err, contractx.ErrProviderRejected))
	assert.Contains(t, toolErr.Message, "notes")

	require.Error(t, r.ValidateArguments(d, nil))
}

func TestParseRegistryRejectsBadEntries(t *testing.T) {
	t.Parallel()

	_, err := ParseRegistry([]byte(`
providers:
  crm:
    base_url: http://crm
tools:
  - name: get_lead
    provider: crm
  - name: get_lead
    provider: crm
  - name: orphan
    provider: nowhere
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate tool "get_lead"`)
	assert.Contains(t, err.Error(), `unknown provider "nowhere"`)
}

func TestParseRegistryAbsoluteEndpointAndDefaults(t *testing.T) {
	t.Parallel()

	r, err := ParseRegistry([]byte(`
providers:
  crm:
    base_url: http://crm
tools:
  - name: get_lead
    provider: crm
    endpoint: https://other.example/v2/lead
    max_retries: -3
`))
	require.NoError(t, err)

	d, err := r.Resolve("get_lead")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/v2/lead", d.Endpoint)
	assert.Equal(t, defaultToolTimeout, d.Timeout)
	assert.Zero(t, d.MaxRetries)
	assert.NoError(t, r.ValidateArguments(d, map[string]any{"anything": 1}))
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TOOL_HOST", "tools.internal")

	assert.Equal(t, "http://tools.internal/x", expandEnv("http://${TOOL_HOST}/x"))
	assert.Equal(t, "fallback", expandEnv("${TOOL_MISSING:-fallback}"))
	assert.Equal(t, "", expandEnv("${TOOL_MISSING}"))
}
