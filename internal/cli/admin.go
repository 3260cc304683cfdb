package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/stream"
)

// AdminOptions holds flags shared by the admin subcommands.
type AdminOptions struct {
	*RootOptions
	Ns              string
	ItemID          string
	Title           string
	Content         string
	ContentFile     string
	Labels          []string
	UserID          string
	Reason          string
	ExpectedVersion int64
	HasExpected     bool
}

// NewAdminCommand creates the admin command group: create, update and
// delete overrides that bypass the policy gate.
func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Publish administrative override events",
		Long: `Publish administrative override events. Overrides bypass the policy
gate; the only gate they face is optimistic concurrency via
--expected-version.`,
	}

	cmd.AddCommand(newAdminActionCommand(rootOpts, "create", "Create or reactivate an item"))
	cmd.AddCommand(newAdminActionCommand(rootOpts, "update", "Update an item's content"))
	cmd.AddCommand(newAdminActionCommand(rootOpts, "delete", "Retract an item"))

	return cmd
}

func newAdminActionCommand(rootOpts *RootOptions, action, short string) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   action + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ItemID = args[0]
			opts.HasExpected = cmd.Flags().Changed("expected-version")
			return runAdmin(cmd, opts, action)
		},
	}

	cmd.Flags().StringVar(&opts.Ns, "ns", "", "namespace (defaults to config)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "acting user id (required)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "override reason")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", 0, "fail unless the item is at this version")
	_ = cmd.MarkFlagRequired("user")

	if action != "delete" {
		cmd.Flags().StringVar(&opts.Title, "title", "", "item title (required)")
		cmd.Flags().StringVar(&opts.Content, "content", "", "item content")
		cmd.Flags().StringVar(&opts.ContentFile, "content-file", "", "read content from file ('-' for stdin)")
		cmd.Flags().StringSliceVar(&opts.Labels, "label", nil, "label (repeatable)")
		_ = cmd.MarkFlagRequired("title")
	}

	return cmd
}

func runAdmin(cmd *cobra.Command, opts *AdminOptions, action string) error {
	formatter := &OutputFormatter{
		Format: opts.Format, Writer: os.Stdout, ErrWriter: os.Stderr, Verbose: opts.Verbose,
	}

	ns := opts.Ns
	if ns == "" {
		ns = opts.Cfg.Ns
	}
	content, err := resolveContent(opts.Content, opts.ContentFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "read content", err)
	}

	eventID := uuid.NewString()
	meta := event.AdminMetadata{
		UserID:       opts.UserID,
		Reason:       opts.Reason,
		BypassReview: true,
	}
	if opts.HasExpected {
		ev := opts.ExpectedVersion
		meta.ExpectedVersion = &ev
	}

	ev := event.AdminEvent{
		EventType:  event.TypeAdmin,
		Ns:         ns,
		ItemID:     opts.ItemID,
		EventID:    eventID,
		Action:     action,
		Title:      opts.Title,
		Content:    content,
		Labels:     opts.Labels,
		Admin:      meta,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return WrapExitError(ExitCommandError, "encode admin event", err)
	}

	log, err := stream.Open(opts.Cfg.LogPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open log database", err)
	}
	defer log.Close()

	subject := event.AdminSubject(action, ns, opts.ItemID)
	ack, err := log.Publish(cmd.Context(), subject, "admin:"+eventID, payload)
	if err != nil {
		return WrapExitError(ExitCommandError, "publish admin event", err)
	}

	text := fmt.Sprintf("published %s (event %s) at seq %d\n", subject, eventID, ack.Seq)
	return formatter.SuccessText(text, map[string]any{
		"subject":  subject,
		"event_id": eventID,
		"seq":      ack.Seq,
	})
}
