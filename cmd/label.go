package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var labelSession string

var labelCmd = &cobra.Command{
	Use:         "label <identity_id> <name>",
	Short:       "Assign a name to an enrolled identity (latest session unless --session is given)",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{annotDB: dbRequired},
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil || id < 0 {
			utils.Die("Invalid identity ID", err, nil)
		}
		name := args[1]

		runLabel(cmd.Context(), id, name)
	},
}

func init() {
	labelCmd.Flags().StringVarP(&labelSession, "session", "s", "", "Session the identity belongs to")
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, id int, name string) {
	// Identities restart at 0 every run, so a label always targets one session
	session, err := resolveSession(ctx, labelSession, true)
	if err != nil {
		utils.Die("Failed to resolve session", err, nil)
	}

	if err := DB.LabelIdentity(ctx, session, id, name); err != nil {
		utils.Die("Failed to label identity", err, nil)
	}

	fmt.Printf("✅ Identity %d labeled as '%s' (session %s)\n", id, name, session.String()[:8])
}
