package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facegate/internal/digest"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	evidenceSession string
	evidenceLatest  bool
	evidenceFull    bool
)

var evidenceCmd = &cobra.Command{
	Use:         "evidence",
	Short:       "List recorded enrollment digests",
	Annotations: map[string]string{annotDB: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		runEvidence(cmd.Context())
	},
}

func init() {
	evidenceCmd.Flags().StringVarP(&evidenceSession, "session", "s", "", "Only show this session ID")
	evidenceCmd.Flags().BoolVarP(&evidenceLatest, "latest", "l", false, "Only show the most recent session")
	evidenceCmd.Flags().BoolVar(&evidenceFull, "full", false, "Print full digests instead of the display prefix")
	rootCmd.AddCommand(evidenceCmd)
}

func runEvidence(ctx context.Context) {
	session, err := resolveSession(ctx, evidenceSession, evidenceLatest)
	if err != nil {
		utils.Die("Failed to resolve session", err, nil)
	}

	rows, err := DB.ListEvidence(ctx, session)
	if err != nil {
		utils.Die("Failed to list evidence", err, nil)
	}
	if len(rows) == 0 {
		fmt.Println("No enrollment evidence found in database.")
		return
	}
	printEvidence(os.Stdout, rows, evidenceFull)
}

// resolveSession turns the --session / --latest flags into a session ID; uuid.Nil means all.
func resolveSession(ctx context.Context, id string, latest bool) (uuid.UUID, error) {
	if id != "" {
		return uuid.Parse(id)
	}
	if latest {
		return DB.LatestSession(ctx)
	}
	return uuid.Nil, nil
}

func printEvidence(out io.Writer, rows []store.Evidence, full bool) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tID\tLABEL\tDIGEST\tSOURCE\tENROLLED")
	fmt.Fprintln(w, "-------\t--\t-----\t------\t------\t--------")

	for _, ev := range rows {
		d := ev.Digest
		if !full {
			d = digest.Prefix(d, digest.PrefixLen)
		}
		label := ev.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			ev.SessionID.String()[:8], ev.Identity, label, d, ev.Source,
			ev.EnrolledAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
