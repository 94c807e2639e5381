package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"exposure-distribution-service/internal/app"
	"exposure-distribution-service/internal/appconfig"
	"exposure-distribution-service/internal/usecase"
)

const dateLayout = "2006-01-02"

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// runCmd は配信ツリーの組み立てと書き出しを1回実行する。
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Assemble, sign and write the distribution tree once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var result usecase.RunResult
			if apiURL != "" {
				body, err := postJob(ctx, "/v1/distribution/runs", http.StatusCreated)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
			} else {
				err := withApp(ctx, func(a *app.App) error {
					r, err := a.Distribution.Run(ctx)
					if r != nil {
						result = *r
					}
					return err
				})
				if err != nil {
					return err
				}
			}

			return printResult(result, func() {
				fmt.Printf("Run %s: %d keys (%d invalid), %d trace warnings, %d files written\n",
					result.RunID, result.Keys, result.InvalidKeys, result.TraceWarnings, result.FilesWritten)
				if result.Published != nil {
					fmt.Printf("Published: %d uploaded, %d skipped, %d failed\n",
						result.Published.Uploaded, result.Published.Skipped, result.Published.Failed)
				}
			})
		},
	}
}

// uploadCmd は送信待ちの鍵をフェデレーションゲートウェイへ送る。
func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload pending keys to the federation gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var summary usecase.UploadSummary
			if apiURL != "" {
				body, err := postJob(ctx, "/v1/federation/upload", http.StatusOK)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(body, &summary); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
			} else {
				err := withApp(ctx, func(a *app.App) error {
					if a.Upload == nil {
						return fmt.Errorf("federation is not enabled (set FEDERATION_ENABLED=true)")
					}
					s, err := a.Upload.Run(ctx)
					if s != nil {
						summary = *s
					}
					return err
				})
				if err != nil {
					return err
				}
			}

			return printResult(summary, func() {
				fmt.Printf("Uploaded %d batch(es), %d failed: %d delivered, %d conflicts, %d left for retry\n",
					summary.Batches, summary.FailedBatches, summary.Delivered, summary.Conflicts, summary.Retry)
			})
		},
	}
}

// downloadCmd は指定日のバッチをフェデレーションゲートウェイから取り込む。
func downloadCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download key batches of a day from the federation gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			day := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
			if date != "" {
				d, err := time.Parse(dateLayout, date)
				if err != nil {
					return fmt.Errorf("--date must be formatted as YYYY-MM-DD: %w", err)
				}
				day = d
			}

			var summary usecase.DownloadSummary
			if apiURL != "" {
				body, err := postJob(ctx, "/v1/federation/download?date="+day.Format(dateLayout), http.StatusOK)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(body, &summary); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
			} else {
				err := withApp(ctx, func(a *app.App) error {
					if a.Download == nil {
						return fmt.Errorf("federation is not enabled (set FEDERATION_ENABLED=true)")
					}
					s, err := a.Download.Run(ctx, day)
					if s != nil {
						summary = *s
					}
					return err
				})
				if err != nil {
					return err
				}
			}

			return printResult(summary, func() {
				fmt.Printf("Downloaded batches for %s: %d processed, %d failed, %d keys inserted\n",
					day.Format(dateLayout), summary.Processed, summary.Failed, summary.KeysInserted)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Batch date YYYY-MM-DD (defaults to yesterday UTC)")
	return cmd
}

// retentionCmd は保持期間を過ぎたデータを削除する。
func retentionCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Delete keys, batches and published files older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var summary usecase.RetentionSummary
			err := withApp(ctx, func(a *app.App) error {
				if days > 0 {
					a.Retention.Days = days
				}
				s, err := a.Retention.Run(ctx)
				if s != nil {
					summary = *s
				}
				return err
			})
			if err != nil {
				return err
			}

			return printResult(summary, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintf(w, "CUTOFF\t%s\n", summary.Cutoff.Format(dateLayout))
				fmt.Fprintf(w, "DIAGNOSIS KEYS\t%d\n", summary.DiagnosisKeys)
				fmt.Fprintf(w, "UPLOAD KEYS\t%d\n", summary.UploadKeys)
				fmt.Fprintf(w, "BATCH INFOS\t%d\n", summary.BatchInfos)
				fmt.Fprintf(w, "TRACE WARNINGS\t%d\n", summary.TraceWarnings)
				fmt.Fprintf(w, "PUBLISHED FILES\t%d\n", summary.PublishedFiles)
				_ = w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (defaults to RETENTION_DAYS)")
	return cmd
}

// validateConfigCmd は環境設定と設定ファイルを検証する。DBには接続しない。
func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate environment settings and configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			var problems []string
			if err := cfg.Validate(); err != nil {
				problems = append(problems, err.Error())
			}
			if cfg.AppConfigPath != "" {
				appCfg, err := appconfig.Load(cfg.AppConfigPath)
				if err != nil {
					problems = append(problems, err.Error())
				} else {
					for _, e := range appconfig.Validate(appCfg).Errors {
						problems = append(problems, cfg.AppConfigPath+": "+e.Error())
					}
				}
			}
			if cfg.DerivationPath != "" {
				if _, err := appconfig.LoadTekFieldDerivations(cfg.DerivationPath); err != nil {
					problems = append(problems, err.Error())
				}
			}

			result := struct {
				Valid    bool     `json:"valid"`
				Problems []string `json:"problems,omitempty"`
			}{Valid: len(problems) == 0, Problems: problems}
			if err := printResult(result, func() {
				if result.Valid {
					fmt.Println("Configuration is valid.")
					return
				}
				for _, p := range problems {
					fmt.Println(p)
				}
			}); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("configuration has %d problem(s)", len(problems))
			}
			return nil
		},
	}
}
