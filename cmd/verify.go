package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/andresmejia3/facegate/internal/digest"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var verifyDigest bool

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

var verifyCmd = &cobra.Command{
	Use:   "verify <descriptor.json | digest>",
	Short: "Compute a descriptor's privacy digest and look it up in the evidence ledger",
	Long: `Reads a descriptor stored as a JSON array of floats, prints its SHA-256 digest
and, when a database is configured, the sessions that enrolled it. With --digest
the argument is a full digest or a displayed prefix (at least 12 characters).`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotDB: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVerify(cmd.Context(), args[0])
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyDigest, "digest", false, "Treat the argument as a digest or digest prefix")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(ctx context.Context, arg string) error {
	var hexDigest string
	if verifyDigest {
		hexDigest = strings.ToLower(strings.TrimPrefix(arg, "H:"))
		if len(hexDigest) < digest.PrefixLen || !hexPattern.MatchString(hexDigest) {
			err := fmt.Errorf("want at least %d hex characters, got %q", digest.PrefixLen, arg)
			utils.ShowError("Invalid digest", err, nil)
			return err
		}
	} else {
		desc, err := readDescriptor(arg)
		if err != nil {
			utils.ShowError("Failed to read descriptor", err, nil)
			return err
		}
		hexDigest, err = digest.New(Cfg.Recognition.DescriptorDim).Digest(desc)
		if err != nil {
			utils.ShowError("Failed to digest descriptor", err, nil)
			return err
		}
		fmt.Printf("PRIVACY_HASH_SHA256: %s\n", hexDigest)
		fmt.Printf("H:%s\n", digest.Prefix(hexDigest, digest.PrefixLen))
	}

	if DB == nil {
		fmt.Fprintln(os.Stderr, "ℹ️  No database configured, skipping ledger lookup.")
		return nil
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching ledger...")
	rows, err := DB.FindDigest(ctx, hexDigest)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("❌ No enrollment with this digest was recorded.")
		return nil
	}
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}

	fmt.Printf("✅ Found %d enrollment(s)\n", len(rows))
	printEvidence(os.Stdout, rows, true)
	return nil
}

// readDescriptor loads a JSON float array. The values are never echoed back.
func readDescriptor(path string) (types.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var desc types.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("expected a JSON array of numbers: %w", err)
	}
	return desc, nil
}
