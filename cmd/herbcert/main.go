package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"herbcert/internal/analysis"
	"herbcert/internal/archive"
	"herbcert/internal/config"
	"herbcert/internal/db"
	"herbcert/internal/domain"
	"herbcert/internal/ledger"
	"herbcert/internal/migrate"
	"herbcert/internal/pinstore"
	"herbcert/internal/repo"
	"herbcert/internal/server"
	"herbcert/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "herbcert",
	Short: "Herbcert CLI",
	Long: `Herbcert certifies herb batches from lab measurements.
A batch moves through submit -> analysis -> certificate -> anchor:
- submit sends the measurement record to the quality-analysis service;
- a normal verdict renders a certificate image and pins it to IPFS;
- anchor writes the record and certificate CID to the ledger and the archive.
State and the audit log live in the .herbcert workspace database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HERBCERT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage lab configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var licenseID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default herbcert.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if licenseID == "" {
				return fmt.Errorf("--license-id is required")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(licenseID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&licenseID, "license-id", "", "lab license id")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{Use: "batch", Short: "Manage batch certification workflows"}
	batch.AddCommand(batchSubmitCmd())
	batch.AddCommand(batchAnchorCmd())
	batch.AddCommand(batchStatusCmd())
	batch.AddCommand(batchCancelCmd())
	batch.AddCommand(batchReviewCmd())
	batch.AddCommand(batchListCmd())
	return batch
}

func batchSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a measurement record for analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := loadRecord(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine) error {
				res, err := e.Submit(ctx, rec, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("batch %s: %s\n", res.Workflow.BatchID, res.Workflow.State)
				if res.Verdict != nil {
					fmt.Printf("verdict: %s - %s\n", res.Verdict.Status, res.Verdict.Summary)
					for _, a := range res.Verdict.Anomalies {
						fmt.Printf("  %s: got %s, expected %s\n", a.Parameter, a.ActualValue, a.ExpectedRange)
					}
					if res.Verdict.QualityRating != nil {
						fmt.Printf("quality rating: %.1f\n", *res.Verdict.QualityRating)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "record JSON file (- for stdin)")
	return cmd
}

func batchAnchorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anchor <batch-id>",
		Short: "Anchor a certified batch on the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine) error {
				w, err := e.Anchor(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("batch %s: %s\n", w.BatchID, w.State)
				if w.CID != nil {
					fmt.Printf("certificate cid: %s\n", *w.CID)
				}
				if w.TxHash != nil {
					fmt.Printf("ledger tx: %s\n", *w.TxHash)
				}
				if w.PersistencePending {
					fmt.Println("archive write pending; run anchor again to retry")
				}
				return nil
			})
		},
	}
}

func batchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show workflow state and verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine) error {
				st, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				w := st.Workflow
				fmt.Printf("batch %s: %s\n", w.BatchID, w.State)
				if w.LastErrorStep != nil {
					fmt.Printf("last error at %s: %s\n", *w.LastErrorStep, *w.LastError)
				}
				if w.PersistencePending {
					fmt.Println("archive write pending")
				}
				if st.Verdict != nil {
					fmt.Printf("verdict: %s - %s\n", st.Verdict.Status, st.Verdict.Summary)
				}
				return nil
			})
		},
	}
}

func batchCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel a workflow before it anchors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine) error {
				w, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("batch %s: %s\n", w.BatchID, w.State)
				return nil
			})
		},
	}
}

func batchReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <batch-id>",
		Short: "Park an anomalous batch for manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine) error {
				w, err := e.FlagForReview(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("batch %s: %s\n", w.BatchID, w.State)
				return nil
			})
		},
	}
}

func batchListCmd() *cobra.Command {
	var licenseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine) error {
				items, err := e.List(ctx, licenseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Batch", "State", "CID", "Tx", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.BatchID, w.State, deref(w.CID), deref(w.TxHash), w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&licenseID, "license-id", "", "filter by lab license")
	return cmd
}

func certCmd() *cobra.Command {
	cert := &cobra.Command{Use: "cert", Short: "Query pinned certificates"}
	cert.AddCommand(certListCmd())
	return cert
}

func certListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List certificates pinned for the lab",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			pins := pinstore.New(cfg.PinStore.APIBase, cfg.PinStore.APIKey, cfg.PinStore.APISecret, cfg.PinStore.GatewayURL)
			items, err := pins.List(cmd.Context(), cfg.Lab.LicenseID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Batch", "CID", "URL", "Pinned"})
			for _, p := range items {
				tw.AppendRow(table.Row{p.BatchID, p.CID, pins.URL(p.CID), p.PinnedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "hc_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, batchID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, batchID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Batch", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.BatchID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("HERBCERT_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("HERBCERT_JWT_SECRET is required for bearer auth")
				}
				cfg := e.Config
				pins := pinstore.New(cfg.PinStore.APIBase, cfg.PinStore.APIKey, cfg.PinStore.APISecret, cfg.PinStore.GatewayURL)
				handler, err := server.New(server.Config{
					Engine:       e,
					Certificates: pins,
					BasePath:     basePath,
					Auth:         authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Herbcert API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *workflow.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := workflow.New(conn, cfg)
	e.Analysis = analysis.New(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, cfg.Analysis.Timeout)
	e.Pins = pinstore.New(cfg.PinStore.APIBase, cfg.PinStore.APIKey, cfg.PinStore.APISecret, cfg.PinStore.GatewayURL)
	e.Ledger = ledger.New(cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress, cfg.Ledger.ChainID, cfg.Ledger.ConfirmTimeout, ledger.HMACSigner{
		Account: cfg.Lab.LicenseID,
		Secret:  []byte(os.Getenv("HERBCERT_LEDGER_SECRET")),
	})
	e.Archive = archive.New(cfg.Archive.BaseURL, cfg.Archive.APIKey)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func loadRecord(file string) (domain.MeasurementRecord, error) {
	var data []byte
	var err error
	if file == "-" || file == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return domain.MeasurementRecord{}, err
	}
	var rec domain.MeasurementRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.MeasurementRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
