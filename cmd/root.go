package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Annotation values for annotDB: whether a command needs the evidence ledger.
const (
	annotDB    = "facegate/db"
	dbRequired = "required"
	dbOptional = "optional"
)

var errNoDatabase = errors.New("no database configured (use --db, DATABASE_URL or POSTGRES_HOST)")

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// DB is the evidence ledger, nil when the command runs without one
	DB *store.Store
	// dbURL is the connection string
	dbURL string
)

var rootCmd = &cobra.Command{
	Use:   "facegate",
	Short: "On-device face recognition with privacy-preserving enrollment evidence",
	Long: `FaceGate reads frames from a camera or video file, recognizes enrolled faces
and enrolls new ones on a key press. Descriptors stay in memory for the
lifetime of the run; only their SHA-256 digests are ever printed or stored.`,
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		mode := cmd.Annotations[annotDB]
		if mode == "" {
			return nil
		}
		if dbURL == "" {
			dbURL = Cfg.Database.URL
		}
		if dbURL == "" {
			if mode == dbRequired {
				return errNoDatabase
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// execute runs the command tree and closes the ledger afterwards. Cobra skips
// post-run hooks when RunE fails, so the close lives here.
func execute(ctx context.Context, args []string) error {
	defer closeLedger()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func closeLedger() {
	if DB == nil {
		return
	}
	// Use Background here because the main context might be cancelled already (due to Ctrl+C)
	// and we still need to send the "Close" command to the DB.
	DB.Close(context.Background())
	DB = nil
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the evidence ledger (default: DATABASE_URL or POSTGRES_* env)")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
