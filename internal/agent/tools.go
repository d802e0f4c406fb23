package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ToolName identifies one of the coordinator's agent tools.
type ToolName string

const (
	ToolGetAshigaruStatus ToolName = "getAshigaruStatus"
	ToolInterruptAgent    ToolName = "interruptAgent"
	ToolWaitForMessage    ToolName = "waitForMessage"
	ToolSendMessage       ToolName = "sendMessage"
)

// ToolRequest is one parsed tool line. A malformed but recognized line
// carries its parse failure in Err so the turn loop can report it back to
// the model instead of dropping it silently.
type ToolRequest struct {
	Name      ToolName
	To        []string
	Title     string
	Body      string
	BodyFile  string
	TimeoutMs int64
	Line      string
	Err       error
}

// toolMarkers maps line prefixes to tool names, in recognition priority
// order.
var toolMarkers = []struct {
	prefix string
	name   ToolName
}{
	{"TOOL:getAshigaruStatus", ToolGetAshigaruStatus},
	{"TOOL:interruptAgent", ToolInterruptAgent},
	{"TOOL:waitForMessage", ToolWaitForMessage},
	{"TOOL:sendMessage", ToolSendMessage},
}

// ParseToolRequests scans provider output for tool lines. Each non-empty
// line is checked for the colon forms first, then the "TOOL <name> {json}"
// variant. Lines that match no marker are prose and are skipped.
func ParseToolRequests(output string) []ToolRequest {
	var requests []ToolRequest
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if req, ok := parseToolLine(line); ok {
			requests = append(requests, req)
		}
	}
	return requests
}

func parseToolLine(line string) (ToolRequest, bool) {
	for _, marker := range toolMarkers {
		rest, ok := strings.CutPrefix(line, marker.prefix)
		if !ok {
			continue
		}
		// The marker must end the token: "TOOL:sendMessages" is prose.
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		return parseMarkerArgs(marker.name, line, strings.TrimSpace(rest)), true
	}
	if rest, ok := strings.CutPrefix(line, "TOOL "); ok {
		return parseJSONVariant(line, strings.TrimSpace(rest))
	}
	return ToolRequest{}, false
}

func parseMarkerArgs(name ToolName, line, rest string) ToolRequest {
	req := ToolRequest{Name: name, Line: line}

	switch name {
	case ToolGetAshigaruStatus:
		// No arguments; trailing text is ignored.
		return req

	case ToolWaitForMessage:
		if rest == "" {
			return req
		}
		args, err := parseKeyValues(rest)
		if err != nil {
			req.Err = err
			return req
		}
		if raw, ok := args["timeoutMs"]; ok {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				req.Err = fmt.Errorf("waitForMessage: invalid timeoutMs %q", raw)
				return req
			}
			req.TimeoutMs = ms
		}
		return req

	case ToolInterruptAgent:
		args, err := parseKeyValues(rest)
		if err != nil {
			req.Err = err
			return req
		}
		req.To = splitRecipients(args["to"])
		req.Title = args["title"]
		req.Body = args["body"]
		if len(req.To) == 0 {
			req.Err = fmt.Errorf("interruptAgent requires to=")
		}
		return req

	case ToolSendMessage:
		args, err := parseKeyValues(rest)
		if err != nil {
			req.Err = err
			return req
		}
		req.To = splitRecipients(args["to"])
		req.Title = args["title"]
		req.Body = args["body"]
		req.BodyFile = args["bodyFile"]
		if len(req.To) == 0 {
			req.Err = fmt.Errorf("sendMessage requires to=")
		} else if req.Body == "" && req.BodyFile == "" {
			req.Err = fmt.Errorf("sendMessage requires body= or bodyFile=")
		}
		return req
	}
	return req
}

// jsonToolArgs is the argument shape of the "TOOL <name> {json}" variant.
// "to" accepts a string or an array of strings.
type jsonToolArgs struct {
	To        json.RawMessage `json:"to"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	BodyFile  string          `json:"bodyFile"`
	TimeoutMs int64           `json:"timeoutMs"`
}

func parseJSONVariant(line, rest string) (ToolRequest, bool) {
	name, payload, found := strings.Cut(rest, " ")
	if !found {
		name = rest
	}
	tool := ToolName(strings.TrimSpace(name))
	switch tool {
	case ToolGetAshigaruStatus, ToolInterruptAgent, ToolWaitForMessage, ToolSendMessage:
	default:
		// Not one of ours; treat the line as prose.
		return ToolRequest{}, false
	}

	req := ToolRequest{Name: tool, Line: line}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		if tool == ToolGetAshigaruStatus || tool == ToolWaitForMessage {
			return req, true
		}
		req.Err = fmt.Errorf("%s: missing JSON arguments", tool)
		return req, true
	}

	var args jsonToolArgs
	if err := json.Unmarshal([]byte(payload), &args); err != nil {
		req.Err = fmt.Errorf("%s: malformed JSON arguments: %w", tool, err)
		return req, true
	}

	req.Title = args.Title
	req.Body = args.Body
	req.BodyFile = args.BodyFile
	req.TimeoutMs = args.TimeoutMs
	if len(args.To) > 0 {
		to, err := decodeRecipients(args.To)
		if err != nil {
			req.Err = fmt.Errorf("%s: %w", tool, err)
			return req, true
		}
		req.To = to
	}

	switch tool {
	case ToolInterruptAgent:
		if len(req.To) == 0 {
			req.Err = fmt.Errorf("interruptAgent requires to")
		}
	case ToolSendMessage:
		if len(req.To) == 0 {
			req.Err = fmt.Errorf("sendMessage requires to")
		} else if req.Body == "" && req.BodyFile == "" {
			req.Err = fmt.Errorf("sendMessage requires body or bodyFile")
		}
	}
	return req, true
}

func decodeRecipients(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return splitRecipients(one), nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		var out []string
		for _, item := range many {
			out = append(out, splitRecipients(item)...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("to must be a string or array of strings")
}

// splitRecipients splits a comma-separated recipient list, dropping empty
// entries.
func splitRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseKeyValues reads "key=value" pairs separated by whitespace. Values
// may be bare (ending at whitespace), double-quoted, or single-quoted;
// quoted values support the escapes \\ \n \" \'. Unknown escapes keep
// both characters.
func parseKeyValues(s string) (map[string]string, error) {
	args := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}

		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			return nil, fmt.Errorf("expected key=value at %q", s[start:])
		}
		key := s[start:i]
		if key == "" {
			return nil, fmt.Errorf("empty key at %q", s[start:])
		}
		i++ // consume '='

		value, next, err := parseValue(s, i)
		if err != nil {
			return nil, err
		}
		args[key] = value
		i = next
	}
	return args, nil
}

func parseValue(s string, i int) (string, int, error) {
	if i >= len(s) {
		return "", i, nil
	}
	quote := s[i]
	if quote != '"' && quote != '\'' {
		start := i
		for i < len(s) && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		return s[start:i], i, nil
	}

	i++ // consume opening quote
	var sb strings.Builder
	for i < len(s) {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return "", i, fmt.Errorf("dangling escape in quoted value")
			}
			switch s[i+1] {
			case '\\':
				sb.WriteByte('\\')
			case 'n':
				sb.WriteByte('\n')
			case '"':
				sb.WriteByte('"')
			case '\'':
				sb.WriteByte('\'')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(s[i+1])
			}
			i += 2
		case quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", i, fmt.Errorf("unterminated quoted value")
}
