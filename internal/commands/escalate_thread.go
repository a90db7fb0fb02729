package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orkiva/internal/models"
	"github.com/dotcommander/orkiva/internal/output"
	"github.com/dotcommander/orkiva/internal/store"
)

// NewEscalateThreadCmd moves a thread to blocked and records the operator
// (or agent) who took ownership of it. A blocked thread stays in unread
// reconciliation; only closed threads are left out of it.
func NewEscalateThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate-thread",
		Short: "Mark a thread blocked and assign it an escalation owner",
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

				if err := store.TransitionThreadStatus(ctx, db, threadID, models.ThreadStatusBlocked, now); err != nil {
					return err
				}
				if err := store.SetThreadEscalationOwner(ctx, db, threadID, actor, now); err != nil {
					return err
				}
				if err := store.AppendAuditEvent(ctx, db, models.AuditEvent{
					WorkspaceID:  thread.WorkspaceID,
					Category:     "thread",
					SubjectType:  "thread",
					SubjectID:    threadID,
					Action:       "escalate",
					ActorAgentID: actor,
					Reason:       reason,
				}, now); err != nil {
					return err
				}

				type resp struct {
					ThreadID        string `json:"thread_id"`
					Status          string `json:"status"`
					EscalationOwner string `json:"escalation_owner"`
				}
				return output.PrintSuccess(resp{
					ThreadID:        threadID,
					Status:          string(models.ThreadStatusBlocked),
					EscalationOwner: actor,
				})
			})
		},
	}

	cmd.Flags().String("thread-id", "", "Thread ID to escalate (required)")
	cmd.Flags().String("reason", "", "Why this thread is being escalated (required)")
	return cmd
}
