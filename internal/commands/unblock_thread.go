package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/output"
	"github.com/dotcommander/orkiva/internal/store"
)

// NewUnblockThreadCmd moves a blocked thread back to active and clears its
// escalation owner, re-opening it to supervisor triggering.
func NewUnblockThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock-thread",
		Short: "Return a blocked thread to active and clear its escalation owner",
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

				if err := store.TransitionThreadStatus(ctx, db, threadID, models.ThreadStatusActive, now); err != nil {
					return err
				}
				if err := store.SetThreadEscalationOwner(ctx, db, threadID, "", now); err != nil {
					return err
				}
				if err := store.AppendAuditEvent(ctx, db, models.AuditEvent{
					WorkspaceID:  thread.WorkspaceID,
					Category:     "thread",
					SubjectType:  "thread",
					SubjectID:    threadID,
					Action:       "unblock",
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
					Status:   string(models.ThreadStatusActive),
				})
			})
		},
	}

	cmd.Flags().String("thread-id", "", "Thread ID to unblock (required)")
	cmd.Flags().String("reason", "", "Why this thread is being unblocked (required)")
	return cmd
}
