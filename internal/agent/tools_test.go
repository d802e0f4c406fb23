package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseToolRequestsMarkerForms(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   ToolRequest
	}{
		{
			name:   "status without args",
			output: "TOOL:getAshigaruStatus",
			want:   ToolRequest{Name: ToolGetAshigaruStatus},
		},
		{
			name:   "status ignores trailing text",
			output: "TOOL:getAshigaruStatus please",
			want:   ToolRequest{Name: ToolGetAshigaruStatus},
		},
		{
			name:   "wait without timeout",
			output: "TOOL:waitForMessage",
			want:   ToolRequest{Name: ToolWaitForMessage},
		},
		{
			name:   "wait with timeout",
			output: "TOOL:waitForMessage timeoutMs=2500",
			want:   ToolRequest{Name: ToolWaitForMessage, TimeoutMs: 2500},
		},
		{
			name:   "send with bare values",
			output: "TOOL:sendMessage to=ashigaru1 title=scan body=start",
			want:   ToolRequest{Name: ToolSendMessage, To: []string{"ashigaru1"}, Title: "scan", Body: "start"},
		},
		{
			name:   "send with comma recipients",
			output: `TOOL:sendMessage to=ashigaru1,ashigaru2 title="fan out" body="same task"`,
			want:   ToolRequest{Name: ToolSendMessage, To: []string{"ashigaru1", "ashigaru2"}, Title: "fan out", Body: "same task"},
		},
		{
			name:   "send with body file",
			output: "TOOL:sendMessage to=karou bodyFile=report.md",
			want:   ToolRequest{Name: ToolSendMessage, To: []string{"karou"}, BodyFile: "report.md"},
		},
		{
			name:   "interrupt with reason",
			output: `TOOL:interruptAgent to=ashigaru2 body="priorities changed"`,
			want:   ToolRequest{Name: ToolInterruptAgent, To: []string{"ashigaru2"}, Body: "priorities changed"},
		},
		{
			name:   "interrupt without reason",
			output: "TOOL:interruptAgent to=ashigaru2",
			want:   ToolRequest{Name: ToolInterruptAgent, To: []string{"ashigaru2"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reqs := ParseToolRequests(tc.output)
			require.Len(t, reqs, 1)
			got := reqs[0]
			require.NoError(t, got.Err)
			require.Equal(t, tc.want.Name, got.Name)
			require.Equal(t, tc.want.To, got.To)
			require.Equal(t, tc.want.Title, got.Title)
			require.Equal(t, tc.want.Body, got.Body)
			require.Equal(t, tc.want.BodyFile, got.BodyFile)
			require.Equal(t, tc.want.TimeoutMs, got.TimeoutMs)
		})
	}
}

func TestParseToolRequestsQuoting(t *testing.T) {
	cases := []struct {
		name     string
		output   string
		wantBody string
	}{
		{
			name:     "escaped newline",
			output:   `TOOL:sendMessage to=karou title=t body="line one\nline two"`,
			wantBody: "line one\nline two",
		},
		{
			name:     "escaped double quote",
			output:   `TOOL:sendMessage to=karou title=t body="a \"deep\" scan"`,
			wantBody: `a "deep" scan`,
		},
		{
			name:     "single quotes with escaped apostrophe",
			output:   `TOOL:sendMessage to=karou title=t body='it\'s ready'`,
			wantBody: "it's ready",
		},
		{
			name:     "escaped backslash",
			output:   `TOOL:sendMessage to=karou title=t body="C:\\temp"`,
			wantBody: `C:\temp`,
		},
		{
			name:     "unknown escape kept verbatim",
			output:   `TOOL:sendMessage to=karou title=t body="a\zb"`,
			wantBody: `a\zb`,
		},
		{
			name:     "double quotes may contain single quotes",
			output:   `TOOL:sendMessage to=karou title=t body="karou's orders"`,
			wantBody: "karou's orders",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reqs := ParseToolRequests(tc.output)
			require.Len(t, reqs, 1)
			require.NoError(t, reqs[0].Err)
			require.Equal(t, tc.wantBody, reqs[0].Body)
		})
	}
}

func TestParseToolRequestsMalformed(t *testing.T) {
	cases := []struct {
		name   string
		output string
	}{
		{"wait with bad timeout", "TOOL:waitForMessage timeoutMs=soon"},
		{"send without recipient", `TOOL:sendMessage title=t body=b`},
		{"send without body", "TOOL:sendMessage to=karou title=empty"},
		{"interrupt without target", `TOOL:interruptAgent body="stop"`},
		{"unterminated quote", `TOOL:sendMessage to=karou title=t body="no closing`},
		{"stray token", "TOOL:sendMessage to=karou body=b stray"},
		{"json variant bad payload", `TOOL sendMessage {"to": "karou"`},
		{"json variant missing args", "TOOL sendMessage"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reqs := ParseToolRequests(tc.output)
			require.Len(t, reqs, 1, "malformed but recognized lines are reported, not dropped")
			require.Error(t, reqs[0].Err)
		})
	}
}

func TestParseToolRequestsProse(t *testing.T) {
	outputs := []string{
		"I will now check the workers.",
		"you could run TOOL:getAshigaruStatus yourself",
		"TOOL:sendMessages to=karou body=b",
		"TOOL launchMissiles {\"target\": \"moon\"}",
		"TOOL:",
		"",
	}
	for _, output := range outputs {
		require.Empty(t, ParseToolRequests(output), "output %q should parse as prose", output)
	}
}

func TestParseToolRequestsJSONVariant(t *testing.T) {
	t.Run("send with array recipients", func(t *testing.T) {
		reqs := ParseToolRequests(`TOOL sendMessage {"to": ["ashigaru1", "ashigaru2"], "title": "t", "body": "b"}`)
		require.Len(t, reqs, 1)
		require.NoError(t, reqs[0].Err)
		require.Equal(t, []string{"ashigaru1", "ashigaru2"}, reqs[0].To)
		require.Equal(t, "t", reqs[0].Title)
		require.Equal(t, "b", reqs[0].Body)
	})

	t.Run("send with comma string recipients", func(t *testing.T) {
		reqs := ParseToolRequests(`TOOL sendMessage {"to": "ashigaru1, ashigaru2", "body": "b"}`)
		require.Len(t, reqs, 1)
		require.NoError(t, reqs[0].Err)
		require.Equal(t, []string{"ashigaru1", "ashigaru2"}, reqs[0].To)
	})

	t.Run("wait with timeout", func(t *testing.T) {
		reqs := ParseToolRequests(`TOOL waitForMessage {"timeoutMs": 1500}`)
		require.Len(t, reqs, 1)
		require.NoError(t, reqs[0].Err)
		require.Equal(t, int64(1500), reqs[0].TimeoutMs)
	})

	t.Run("bare status and wait", func(t *testing.T) {
		reqs := ParseToolRequests("TOOL getAshigaruStatus\nTOOL waitForMessage")
		require.Len(t, reqs, 2)
		require.Equal(t, ToolGetAshigaruStatus, reqs[0].Name)
		require.Equal(t, ToolWaitForMessage, reqs[1].Name)
		require.NoError(t, reqs[0].Err)
		require.NoError(t, reqs[1].Err)
	})

	t.Run("interrupt", func(t *testing.T) {
		reqs := ParseToolRequests(`TOOL interruptAgent {"to": "ashigaru1", "body": "halt"}`)
		require.Len(t, reqs, 1)
		require.NoError(t, reqs[0].Err)
		require.Equal(t, []string{"ashigaru1"}, reqs[0].To)
		require.Equal(t, "halt", reqs[0].Body)
	})
}

func TestParseToolRequestsPreservesLineOrder(t *testing.T) {
	output := "Let me check on everyone first.\n" +
		"TOOL:getAshigaruStatus\n" +
		"Then I will hand out the next task.\n" +
		"TOOL:sendMessage to=ashigaru1 title=next body=\"begin phase two\"\n" +
		"TOOL:waitForMessage timeoutMs=30000\n"

	reqs := ParseToolRequests(output)
	require.Len(t, reqs, 3)
	require.Equal(t, ToolGetAshigaruStatus, reqs[0].Name)
	require.Equal(t, ToolSendMessage, reqs[1].Name)
	require.Equal(t, ToolWaitForMessage, reqs[2].Name)
}

func TestParseToolRequestsIndentedLines(t *testing.T) {
	// Models often indent tool lines inside lists; leading whitespace is
	// trimmed before matching.
	reqs := ParseToolRequests("  TOOL:getAshigaruStatus\n\t TOOL:waitForMessage timeoutMs=10")
	require.Len(t, reqs, 2)
}
