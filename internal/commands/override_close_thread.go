package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/output"
	"github.com/dotcommander/orkiva/internal/store"
)

// NewOverrideCloseThreadCmd force-closes a thread from any non-terminal
// status, for an operator shutting down a thread the normal active ->
// blocked -> resolved -> closed lifecycle would otherwise block.
func NewOverrideCloseThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override-close-thread",
		Short: "Force a thread closed regardless of its current status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, _ := cmd.Flags().GetString("thread-id")
			reason, _ := cmd.Flags().GetString("reason")
			if threadID == "" {
				return cmdErr(requireFlagErr("thread-id"))
			}
			if reason == "" {
				return cmdErr(requireFlagErr("reason"))
			}
			actor := resolveActorAgentID(cmd)

			return withDB(func(db *DB) error {
				ctx := context.Background()
				now := time.Now().UTC()

				thread, err := store.GetThread(ctx, db, threadID)
				if err != nil {
					return err
				}

				if thread.Status != models.ThreadStatusClosed {
					if err := store.TransitionThreadStatus(ctx, db, threadID, models.ThreadStatusClosed, now); err != nil {
						return err
					}
				}
				if err := store.AppendAuditEvent(ctx, db, models.AuditEvent{
					WorkspaceID:  thread.WorkspaceID,
					Category:     "thread",
					SubjectType:  "thread",
					SubjectID:    threadID,
					Action:       "override_close",
					ActorAgentID: actor,
					Reason:       reason,
				}, now); err != nil {
					return err
				}

				type resp struct {
					ThreadID string `json:"thread_id"`
					Status   string `json:"status"`
				}
				return output.PrintSuccess(resp{
					ThreadID: threadID,
					Status:   string(models.ThreadStatusClosed),
				})
			})
		},
	}

	cmd.Flags().String("thread-id", "", "Thread ID to force-close (required)")
	cmd.Flags().String("reason", "", "Why this thread is being force-closed (required)")
	return cmd
}
