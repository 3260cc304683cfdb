package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/stream"
)

// ProposeOptions holds flags for the propose command.
type ProposeOptions struct {
	*RootOptions
	Ns          string
	ItemID      string
	ProposalID  string
	Title       string
	Content     string
	ContentFile string
	Ref         string
	CI          string
	Action      string
	Labels      []string
	Repo        string
	Path        string
	BlobSha     string
	Scope       string
}

// NewProposeCommand creates the propose command: publish one proposal
// event onto the log for the promoter to evaluate.
func NewProposeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProposeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Publish a proposal event",
		Long: `Publish a proposal event onto the log. The running promoter worker
evaluates it against the policy gate; this command only submits.

Example:
  imcore propose --ns acme --item api.auth --title "Auth" \
    --content "Use OAuth2." --ref refs/heads/main --ci green`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPropose(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Ns, "ns", "", "namespace (defaults to config)")
	cmd.Flags().StringVar(&opts.ItemID, "item", "", "item id (required)")
	cmd.Flags().StringVar(&opts.ProposalID, "proposal-id", "", "proposal id (default: new UUID)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "item title (required)")
	cmd.Flags().StringVar(&opts.Content, "content", "", "item content")
	cmd.Flags().StringVar(&opts.ContentFile, "content-file", "", "read content from file ('-' for stdin)")
	cmd.Flags().StringVar(&opts.Ref, "ref", "refs/heads/main", "source ref")
	cmd.Flags().StringVar(&opts.CI, "ci", "green", "ci status")
	cmd.Flags().StringVar(&opts.Action, "action", "", "explicit action (upsert|retract)")
	cmd.Flags().StringSliceVar(&opts.Labels, "label", nil, "label (repeatable)")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "source repository")
	cmd.Flags().StringVar(&opts.Path, "path", "", "source path")
	cmd.Flags().StringVar(&opts.BlobSha, "blob-sha", "", "source blob sha")
	cmd.Flags().StringVar(&opts.Scope, "scope", "manual", "item scope in the routing key")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func runPropose(cmd *cobra.Command, opts *ProposeOptions) error {
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

	proposalID := opts.ProposalID
	if proposalID == "" {
		proposalID = uuid.NewString()
	}
	repo := opts.Repo
	if repo == "" {
		repo = ns + "/manual"
	}
	path := opts.Path
	if path == "" {
		path = "manual/" + opts.ItemID + ".md"
	}
	blobSha := opts.BlobSha
	if blobSha == "" {
		blobSha = "manual"
	}

	ev := event.ProposalEvent{
		EventType:  event.TypeProposal,
		Ns:         ns,
		ItemID:     opts.ItemID,
		ProposalID: proposalID,
		CI:         opts.CI,
		Action:     opts.Action,
		Title:      opts.Title,
		Content:    content,
		Labels:     opts.Labels,
		Source:     event.SourceInfo{Repo: repo, Ref: opts.Ref, Path: path, BlobSha: blobSha},
		EmittedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return WrapExitError(ExitCommandError, "encode proposal", err)
	}

	log, err := stream.Open(opts.Cfg.LogPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open log database", err)
	}
	defer log.Close()

	subject := event.ProposalSubject(ns, opts.Scope)
	ack, err := log.Publish(cmd.Context(), subject, "proposal:"+proposalID+":"+opts.ItemID, payload)
	if err != nil {
		return WrapExitError(ExitCommandError, "publish proposal", err)
	}

	text := fmt.Sprintf("published %s (proposal %s) at seq %d\n", subject, proposalID, ack.Seq)
	if ack.Duplicate {
		text = fmt.Sprintf("duplicate of seq %d: %s (proposal %s)\n", ack.Seq, subject, proposalID)
	}
	return formatter.SuccessText(text, map[string]any{
		"subject":     subject,
		"proposal_id": proposalID,
		"seq":         ack.Seq,
		"duplicate":   ack.Duplicate,
	})
}

func resolveContent(inline, file string) (string, error) {
	switch {
	case file == "":
		return inline, nil
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return string(b), nil
	}
}
