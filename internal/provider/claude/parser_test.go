package claude

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sengokulabs/shogun/internal/provider"
)

func TestParseEventInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc-123","model":"some-model"}`)

	event, err := parseEvent(line)
	require.NoError(t, err)
	require.Equal(t, eventSystem, event.Type)
	require.Equal(t, subtypeInit, event.SubType)
	require.Equal(t, "abc-123", event.SessionID)
}

func TestParseEventAssistantText(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello "},{"type":"tool_use","name":"Bash"},{"type":"text","text":"world"}]}}`)

	event, err := parseEvent(line)
	require.NoError(t, err)
	require.Equal(t, eventAssistant, event.Type)
	require.Equal(t, "hello world", event.Message.text())
}

func TestParseEventResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","session_id":"abc-456","result":"all done","is_error":false}`)

	event, err := parseEvent(line)
	require.NoError(t, err)
	require.Equal(t, eventResult, event.Type)
	require.Equal(t, "all done", event.Result)
	require.Equal(t, "abc-456", event.SessionID)
	require.False(t, event.IsError)
}

func TestParseEventErrorResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"error_during_execution","result":"boom","is_error":true}`)

	event, err := parseEvent(line)
	require.NoError(t, err)
	require.True(t, event.IsError)
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := parseEvent([]byte("Spawning claude process..."))
	require.Error(t, err)
}

func TestMessageTextNilSafe(t *testing.T) {
	var m *rawMessage
	require.Equal(t, "", m.text())
}

func TestBuildArgs(t *testing.T) {
	p := New(provider.Options{
		Model:          "some-model",
		SettingsPath:   "/cfg/settings.json",
		AdditionalDirs: []string{"/docs", "/shared"},
	})

	args := p.buildArgs(turnSpec{resume: "sid-1", input: "do the thing"})

	require.Equal(t, []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--resume", "sid-1",
		"--model", "some-model",
		"--settings", "/cfg/settings.json",
		"--add-dir", "/docs",
		"--add-dir", "/shared",
		"--", "do the thing",
	}, args)
}

func TestBuildArgsMinimal(t *testing.T) {
	p := New(provider.Options{})

	args := p.buildArgs(turnSpec{input: "hi"})

	require.Equal(t, []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--", "hi",
	}, args)
}
