package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orkiva/internal/output"
	"github.com/dotcommander/orkiva/internal/store"
)

// NewInspectThreadCmd prints a thread's current state, recent messages,
// participant cursors, and trigger job history, for an operator diagnosing
// why a thread is stuck or why an agent hasn't been triggered.
func NewInspectThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-thread",
		Short: "Show a thread's state, recent messages, cursors, and trigger history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := cmd.Flags().GetString("thread-id")
			if err != nil || threadID == "" {
				return cmdErr(requireFlagErr("thread-id"))
			}
			limitMessages, _ := cmd.Flags().GetInt("limit-messages")
			limitTriggers, _ := cmd.Flags().GetInt("limit-triggers")
			if limitMessages <= 0 {
				limitMessages = 20
			}
			if limitTriggers <= 0 {
				limitTriggers = 20
			}

			return withDB(func(db *DB) error {
				ctx := context.Background()

				thread, err := store.GetThread(ctx, db, threadID)
				if err != nil {
					return err
				}

				participants, err := store.ListThreadParticipants(ctx, db, threadID)
				if err != nil {
					return err
				}

				cursors, err := store.ListParticipantCursors(ctx, db, threadID)
				if err != nil {
					return err
				}

				latestSeq, err := store.LatestSeq(ctx, db, threadID)
				if err != nil {
					return err
				}
				afterSeq := latestSeq - int64(limitMessages)
				if afterSeq < 0 {
					afterSeq = 0
				}
				messages, err := store.ListMessagesSince(ctx, db, threadID, afterSeq, limitMessages)
				if err != nil {
					return err
				}

				triggers, err := store.ListTriggerJobsByThread(ctx, db, threadID, limitTriggers)
				if err != nil {
					return err
				}

				return output.PrintSuccess(struct {
					Thread       any `json:"thread"`
					Participants any `json:"participants"`
					Cursors      any `json:"cursors"`
					LatestSeq    int64 `json:"latest_seq"`
					Messages     any `json:"messages"`
					TriggerJobs  any `json:"trigger_jobs"`
				}{
					Thread:       thread,
					Participants: participants,
					Cursors:      cursors,
					LatestSeq:    latestSeq,
					Messages:     messages,
					TriggerJobs:  triggers,
				})
			})
		},
	}

	cmd.Flags().String("thread-id", "", "Thread ID to inspect (required)")
	cmd.Flags().Int("limit-messages", 20, "Number of most recent messages to include")
	cmd.Flags().Int("limit-triggers", 20, "Number of most recent trigger jobs to include")
	return cmd
}
