package commands

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// defaultActorAgentID is used for audit attribution when the operator does
// not pass --actor-agent-id.
const defaultActorAgentID = "human_operator"

// resolveActorAgentID resolves the agent ID attributed to a mutating
// operator command. Precedence: --actor-agent-id flag, then
// ORKIVA_ACTOR_AGENT_ID env var, then defaultActorAgentID.
func resolveActorAgentID(cmd *cobra.Command) string {
	if v, err := cmd.Flags().GetString("actor-agent-id"); err == nil && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v := os.Getenv("ORKIVA_ACTOR_AGENT_ID"); strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return defaultActorAgentID
}
