package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlannerListsIdentities(t *testing.T) {
	got := Planner([]string{"attitude", "gps"})
	assert.Contains(t, got, `drawn from ["attitude","gps"]`)
	assert.Contains(t, got, "requested_time_windows")
	assert.True(t, strings.HasSuffix(got, JSONOnly))
}

func TestIntegrationMentionsAdditionalExperts(t *testing.T) {
	got := Integration([]string{"ekf"})
	assert.Contains(t, got, `"additional_experts"`)
	assert.Contains(t, got, `["ekf"]`)
	assert.True(t, strings.HasSuffix(got, JSONOnly))
}

func TestUserMessages(t *testing.T) {
	assert.Equal(t, "Question: q\n\nContext:\nc", WithContext("q", "c"))
	assert.Equal(t, "Question: q\n\nContext:\nc\n\nFlight Data:\nd", Expert("q", "c", "d"))
	assert.Equal(t, "Question: q\n\nExpert Responses:\ngps: {}", IntegrationInput("q", "gps: {}"))
	assert.Equal(t, "Question: q\n\nIntegration Result: r", SummarizeInput("q", "r"))
	assert.True(t, strings.HasPrefix(SummarizeSystem("ctx"), Summarize))
	assert.True(t, strings.HasSuffix(SummarizeSystem("ctx"), "\n\nContext:\nctx"))
}
