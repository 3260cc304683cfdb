package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/provenir/imcore/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Ns         string
	All        bool
	ShowLabels bool
}

// statusReport is the status command's JSON payload.
type statusReport struct {
	Ns           string           `json:"ns"`
	ActiveCount  int64            `json:"active_count"`
	StateHash    string           `json:"state_hash"`
	Items        []statusItem     `json:"items"`
	AuditReasons map[string]int64 `json:"audit_reasons,omitempty"`
}

type statusItem struct {
	ItemID  string   `json:"item_id"`
	Version int64    `json:"version"`
	Active  bool     `json:"active"`
	Title   string   `json:"title"`
	Labels  []string `json:"labels,omitempty"`
}

// NewStatusCommand creates the status command: the current projected
// view of a namespace plus its state hash and audit reason counts.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current projected state of a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Ns, "ns", "", "namespace (defaults to config)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include retracted items")
	cmd.Flags().BoolVar(&opts.ShowLabels, "labels", false, "show item labels")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
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

	ctx := cmd.Context()
	items, err := st.ListCurrent(ctx, ns, !opts.All)
	if err != nil {
		return WrapExitError(ExitCommandError, "list items", err)
	}
	activeCount, err := st.ActiveCount(ctx, ns)
	if err != nil {
		return WrapExitError(ExitCommandError, "count active items", err)
	}
	stateHash, err := st.StateHash(ctx, ns)
	if err != nil {
		return WrapExitError(ExitCommandError, "compute state hash", err)
	}
	reasons, err := st.CountAuditByReason(ctx, ns)
	if err != nil {
		return WrapExitError(ExitCommandError, "count audit reasons", err)
	}

	report := statusReport{
		Ns:           ns,
		ActiveCount:  activeCount,
		StateHash:    stateHash,
		Items:        make([]statusItem, 0, len(items)),
		AuditReasons: reasons,
	}
	for _, it := range items {
		si := statusItem{ItemID: it.ItemID, Version: it.Version, Active: it.IsActive, Title: it.Title}
		if opts.ShowLabels {
			si.Labels = it.Labels
		}
		report.Items = append(report.Items, si)
	}

	return formatter.SuccessText(renderStatus(report, opts.ShowLabels), report)
}

func renderStatus(r statusReport, showLabels bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "namespace: %s\n", r.Ns)
	fmt.Fprintf(&b, "active:    %d\n", r.ActiveCount)
	fmt.Fprintf(&b, "hash:      %s\n", r.StateHash)

	if len(r.Items) > 0 {
		b.WriteString("\nitems:\n")
		for _, it := range r.Items {
			marker := " "
			if !it.Active {
				marker = "R"
			}
			fmt.Fprintf(&b, "  %s v%-4d %s %s\n", marker, it.Version, it.ItemID, it.Title)
			if showLabels && len(it.Labels) > 0 {
				fmt.Fprintf(&b, "           labels: %s\n", strings.Join(it.Labels, ", "))
			}
		}
	}

	if len(r.AuditReasons) > 0 {
		b.WriteString("\ndecisions:\n")
		codes := make([]string, 0, len(r.AuditReasons))
		for code := range r.AuditReasons {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "  %-20s %d\n", code, r.AuditReasons[code])
		}
	}

	return b.String()
}
