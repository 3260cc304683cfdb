package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/provenir/imcore/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	Ns     string
	ItemID string
	Reason string
	Limit  int
}

// NewAuditCommand creates the audit command: list the promoter's
// decision records for a namespace.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List promoter decisions",
		Long: `List the append-only decision records the promoter wrote for a
namespace: promotions, skips, conflicts and duplicates, each with its
reason code and version transition.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Ns, "ns", "", "namespace (defaults to config)")
	cmd.Flags().StringVar(&opts.ItemID, "item", "", "filter by item id")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "filter by reason code")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max decisions to return (0 = all)")

	return cmd
}

func runAudit(cmd *cobra.Command, opts *AuditOptions) error {
	formatter := &OutputFormatter{
		Format: opts.Format, Writer: os.Stdout, ErrWriter: os.Stderr, Verbose: opts.Verbose,
	}

	ns := opts.Ns
	if ns == "" {
		ns = opts.Cfg.Ns
	}

	st, err := store.Open(opts.Cfg.StatePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer st.Close()

	decisions, err := st.ListAudit(cmd.Context(), ns, store.AuditFilter{
		ItemID:     opts.ItemID,
		ReasonCode: opts.Reason,
		Limit:      opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "list audit decisions", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d decision(s) in %s\n", len(decisions), ns)
	for _, d := range decisions {
		version := "-"
		if d.NewVersion != nil {
			version = fmt.Sprintf("v%d", *d.NewVersion)
		}
		fmt.Fprintf(&b, "  %s  %-8s %-20s %-5s %s\n",
			d.DecidedAt.Format("2006-01-02T15:04:05Z"), d.Action, d.ReasonCode, version, d.ItemID)
		if d.ReasonDetail != "" {
			fmt.Fprintf(&b, "      %s\n", d.ReasonDetail)
		}
	}

	return formatter.SuccessText(b.String(), decisions)
}
