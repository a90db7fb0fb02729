package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func newActorTestCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("actor-agent-id", "", "")
	return cmd
}

func TestResolveActorAgentID_DefaultsToHumanOperator(t *testing.T) {
	cmd := newActorTestCmd(t)
	require.Equal(t, "human_operator", resolveActorAgentID(cmd))
}

func TestResolveActorAgentID_FlagTakesPrecedenceOverEnv(t *testing.T) {
	cmd := newActorTestCmd(t)
	t.Setenv("ORKIVA_ACTOR_AGENT_ID", "env-operator")
	require.NoError(t, cmd.Flags().Set("actor-agent-id", "flag-operator"))

	require.Equal(t, "flag-operator", resolveActorAgentID(cmd))
}

func TestResolveActorAgentID_FallsBackToEnv(t *testing.T) {
	cmd := newActorTestCmd(t)
	t.Setenv("ORKIVA_ACTOR_AGENT_ID", "env-operator")

	require.Equal(t, "env-operator", resolveActorAgentID(cmd))
}
