package agent

import (
	"fmt"
	"strings"

	"github.com/sengokulabs/shogun/internal/hierarchy"
)

// AckRequest is appended to the system prompt for the session seed turn.
const AckRequest = "Reply with exactly: ACK"

// PromptParams feeds ComposeSystemPrompt. The result depends on nothing
// else, so prompts are stable across restarts.
type PromptParams struct {
	AgentID      string
	Role         hierarchy.Role
	Superior     string
	Recipients   []string
	Subordinates []string
	Profile      string
}

// ComposeSystemPrompt renders the standing instructions for one agent:
// who it is, who it may talk to, and the exact tool grammar.
func ComposeSystemPrompt(p PromptParams) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, ", p.AgentID)
	switch p.Role {
	case hierarchy.RoleShogun:
		sb.WriteString("the strategic commander of a coordinated agent team. " +
			"You receive objectives from king (the human operator), decide strategy, " +
			"and direct karou, your middle manager. You never do hands-on work yourself.\n")
	case hierarchy.RoleKarou:
		sb.WriteString("the manager of a coordinated agent team. " +
			"You receive direction from shogun, break it into concrete tasks, " +
			"dispatch them to your ashigaru workers, track progress, and report results back up.\n")
	case hierarchy.RoleAshigaru:
		sb.WriteString("a worker in a coordinated agent team. " +
			"You receive tasks from karou, execute them, and report the outcome back.\n")
	default:
		sb.WriteString("an agent in a coordinated team.\n")
	}

	sb.WriteString("\n## Messages\n" +
		"Work arrives as messages with FROM, DATE and TITLE headers followed by a body. " +
		"Several messages may arrive at once between BATCH_START and BATCH_END markers; " +
		"treat each --- MESSAGE i/N --- block as a separate message.\n")

	sb.WriteString("\n## Tools\n" +
		"To act, put tool calls on their own lines in your reply, one per line:\n\n")
	if p.Role == hierarchy.RoleKarou {
		sb.WriteString("TOOL:getAshigaruStatus\n" +
			"  Lists which of your workers are idle and which are busy.\n")
	}
	sb.WriteString("TOOL:sendMessage to=<recipient> title=\"<short title>\" body=\"<text>\"\n" +
		"  Sends a message. to= accepts a comma-separated list. " +
		"Use bodyFile=<name> instead of body= for long content you have " +
		"written to your tmp directory.\n" +
		"TOOL:waitForMessage timeoutMs=<ms>\n" +
		"  Suspends this turn until a message arrives in the current thread " +
		"or the timeout passes. timeoutMs is optional (default 60000).\n")
	if len(p.Subordinates) > 0 {
		sb.WriteString("TOOL:interruptAgent to=<subordinate> body=\"<reason>\"\n" +
			"  Aborts a subordinate's current work. With body, the reason is " +
			"delivered as a message; without, the subordinate just stops.\n")
	}
	sb.WriteString("\nQuoted values support \\\\ \\n \\\" \\' escapes. " +
		"You may also write TOOL <name> {\"to\": ..., \"title\": ..., \"body\": ...} with JSON arguments.\n" +
		"Tool outcomes come back in the next turn as TOOL_RESULT lines.\n")

	fmt.Fprintf(&sb, "\n## Routing\n"+
		"You may message only: %s. Anything else is denied.\n",
		strings.Join(p.Recipients, ", "))
	if p.Superior != "" {
		fmt.Fprintf(&sb, "A reply without any TOOL line is forwarded to %s automatically.\n", p.Superior)
	}

	sb.WriteString("\n## Conduct\n" +
		"Keep messages short and factual. Announce what you are doing, then do it. " +
		"Use waitForMessage when you expect an answer instead of ending your turn; " +
		"waits are limited per turn, so do not poll in a tight loop.\n")

	if p.Profile != "" {
		sb.WriteString("\n## Specialty\n")
		sb.WriteString(strings.TrimSpace(p.Profile))
		sb.WriteString("\n")
	}

	return sb.String()
}
