package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB        bool
	resetDebugDir  string
	resetAssumeYes bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (Evidence ledger, Debug Frames)",
	Long:        "Drops the evidence ledger tables. Use --debug-frames to also delete a debug frame directory.",
	Annotations: map[string]string{annotDB: dbOptional},
	Run: func(cmd *cobra.Command, args []string) {
		// With no flags, reset the ledger
		if !resetDB && resetDebugDir == "" {
			resetDB = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				utils.Die("Cannot reset the evidence ledger", errNoDatabase, nil)
			}
			if resetAssumeYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all evidence tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetDebugDir != "" {
			if resetAssumeYes || confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", resetDebugDir)) {
				fmt.Println("🗑️  Clearing Debug Frames...")
				removeDir(resetDebugDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "ledger", false, "Drop the evidence ledger tables")
	resetCmd.Flags().StringVar(&resetDebugDir, "debug-frames", "", "Delete this debug frame directory")
	resetCmd.Flags().BoolVarP(&resetAssumeYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
