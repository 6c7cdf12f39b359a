package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/voicemail"
	"github.com/MrWong99/callbridge/internal/voicemail/postgres"
)

func newVoicemailCmd(configPath *string) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "voicemail",
		Short: "Manage stored voicemail transcripts",
		Long: `Manage voicemail transcripts in PostgreSQL.

The database is taken from --dsn, then CALLBRIDGE_POSTGRES_DSN, then
storage.postgres_dsn in the configuration file.`,
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string")

	open := func(ctx context.Context) (*postgres.Store, error) {
		resolved, err := resolveDSN(dsn, *configPath)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(ctx, resolved)
	}
	cmd.AddCommand(newRequestSMSCmd(open), newShowCmd(open))
	return cmd
}

// resolveDSN picks the database from the flag, the environment or the
// configuration file, in that order.
func resolveDSN(flag, configPath string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("CALLBRIDGE_POSTGRES_DSN"); v != "" {
		return v, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("no --dsn given and config unusable: %w", err)
	}
	if cfg.Storage.PostgresDSN == "" {
		return "", errors.New("no database configured: set --dsn or storage.postgres_dsn")
	}
	return cfg.Storage.PostgresDSN, nil
}

type storeOpener func(ctx context.Context) (*postgres.Store, error)

func newRequestSMSCmd(open storeOpener) *cobra.Command {
	var (
		callSID, recordingSID, to, from string
		attempt                         int
		enqueue                         bool
	)
	cmd := &cobra.Command{
		Use:   "request-sms",
		Short: "Flag a voicemail transcript for SMS delivery",
		Long: `Record that the caller asked for the transcript by text message.

Without --attempt the latest attempt of the recording is flagged. With
--enqueue an SMS job is queued right away when the final transcript is
already stored; otherwise the job is queued when it arrives.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			resolved, err := store.MarkSMSRequested(ctx, callSID, recordingSID, attempt, to, from)
			if err != nil {
				if errors.Is(err, voicemail.ErrNotFound) {
					return fmt.Errorf("no transcript stored for call %s recording %s", callSID, recordingSID)
				}
				return err
			}
			key := voicemail.Key{CallSID: callSID, RecordingSID: recordingSID, Attempt: resolved}
			fmt.Fprintf(cmd.OutOrStdout(), "sms requested for %s\n", key)

			if !enqueue {
				return nil
			}
			return enqueueCandidate(ctx, cmd.OutOrStdout(), store, postgres.NewJobQueue(store.Pool()), key)
		},
	}
	cmd.Flags().StringVar(&callSID, "call", "", "call SID (required)")
	cmd.Flags().StringVar(&recordingSID, "recording", "", "recording SID (required)")
	cmd.Flags().IntVar(&attempt, "attempt", 0, "recording attempt (0 selects the latest)")
	cmd.Flags().StringVar(&to, "to", "", "destination phone number (required)")
	cmd.Flags().StringVar(&from, "from", "", "sender phone number (required)")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue the SMS job now if the transcript is ready")
	for _, f := range []string{"call", "recording", "to", "from"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// candidateStore is the part of the transcript store enqueueCandidate uses.
type candidateStore interface {
	NotificationCandidate(ctx context.Context, key voicemail.Key) (*voicemail.Notification, error)
	MarkNotificationEnqueued(ctx context.Context, key voicemail.Key) error
}

type notificationQueue interface {
	Enqueue(ctx context.Context, n voicemail.Notification) error
}

// enqueueCandidate queues the SMS job for key when the record is eligible
// and marks it queued.
func enqueueCandidate(ctx context.Context, out io.Writer, store candidateStore, queue notificationQueue, key voicemail.Key) error {
	n, err := store.NotificationCandidate(ctx, key)
	if err != nil {
		return err
	}
	if n == nil {
		fmt.Fprintf(out, "not queued: %s is not final, has no transcript document, or was already sent\n", key)
		return nil
	}
	if err := queue.Enqueue(ctx, *n); err != nil {
		return fmt.Errorf("enqueue sms job: %w", err)
	}
	if err := store.MarkNotificationEnqueued(ctx, key); err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	fmt.Fprintf(out, "sms job queued to %s\n", n.To)
	return nil
}

func newShowCmd(open storeOpener) *cobra.Command {
	var (
		callSID, recordingSID string
		attempt               int
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a stored voicemail transcript record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			key := voicemail.Key{CallSID: callSID, RecordingSID: recordingSID, Attempt: attempt}
			rec, err := store.Record(ctx, key)
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
	cmd.Flags().StringVar(&callSID, "call", "", "call SID (required)")
	cmd.Flags().StringVar(&recordingSID, "recording", "", "recording SID (required)")
	cmd.Flags().IntVar(&attempt, "attempt", 1, "recording attempt")
	for _, f := range []string{"call", "recording"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func printRecord(out io.Writer, r *voicemail.Record) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	conf := "-"
	if r.Confidence != nil {
		conf = strconv.FormatFloat(*r.Confidence, 'f', 3, 64)
	}
	rows := [][2]string{
		{"key", r.Key.String()},
		{"final", strconv.FormatBool(r.IsFinal)},
		{"transcript", orDash(r.TranscriptURL)},
		{"confidence", conf},
		{"to / from", orDash(r.ToNumber) + " / " + orDash(r.FromNumber)},
		{"sms requested", strconv.FormatBool(r.SMSRequested)},
		{"sms queued", strconv.FormatBool(r.SMSQueued)},
		{"sms sent", strconv.FormatBool(r.SMSSent)},
		{"sms to / from", orDash(r.SMSDestination) + " / " + orDash(r.SMSSender)},
		{"sms retries", strconv.Itoa(r.SMSRetryCount)},
		{"created", r.CreatedAt.Format(time.RFC3339)},
		{"updated", r.UpdatedAt.Format(time.RFC3339)},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
