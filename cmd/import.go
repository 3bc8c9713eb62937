package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-import/internal/job"
	"github.com/sells-group/catalog-import/internal/model"
	"github.com/sells-group/catalog-import/internal/scope"
)

var (
	importFile    string
	importActor   string
	importScopes  string
	importPreview bool
	importRewrite bool
)

var importCmd = &cobra.Command{
	Use:   "import [url...]",
	Short: "Import product URLs from arguments or a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		targets := args
		if importFile != "" {
			f, err := os.Open(importFile)
			if err != nil {
				return eris.Wrap(err, "open url file")
			}
			fromFile, err := readTargets(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			targets = append(targets, fromFile...)
		}
		if len(targets) == 0 {
			return eris.New("no product URLs given (pass URLs or --file)")
		}

		env, err := initEnv(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		base := job.Submission{
			Actor:   importActor,
			Scopes:  scope.Parse(importScopes),
			Preview: importPreview,
			Hints:   model.Hints{RewriteDescription: importRewrite},
		}
		results, err := importBatch(ctx, env.Orchestrator, targets, base, cfg.Import.Concurrency)
		printResults(cmd.OutOrStdout(), results)
		return err
	},
}

// readTargets reads one URL per line, skipping blanks and # comments.
func readTargets(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read url file")
	}
	return out, nil
}

// importRunner is the part of the orchestrator the batch import drives.
type importRunner interface {
	Submit(ctx context.Context, s job.Submission) (*job.Submitted, error)
	Wait(ctx context.Context, id string) (*model.Job, error)
}

type importResult struct {
	URL string
	Job *model.Job
	Err error
}

// importBatch submits every target and waits for each job to settle.
// Individual failures are reported in the results; an error is returned
// when any import did not reach ready.
func importBatch(ctx context.Context, runner importRunner, targets []string, base job.Submission, concurrency int) ([]importResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	zap.L().Info("processing import batch",
		zap.Int("urls", len(targets)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]importResult, len(targets))
	var mu sync.Mutex
	var succeeded, failed atomic.Int64

	for i, target := range targets {
		g.Go(func() error {
			log := zap.L().With(zap.String("url", target))
			sub := base
			sub.TargetURL = target

			res := importResult{URL: target}
			submitted, err := runner.Submit(gctx, sub)
			if err == nil {
				res.Job, err = runner.Wait(gctx, submitted.Job.ID)
			}
			if err == nil && res.Job.Status != model.JobStatusReady {
				err = eris.Errorf("import ended in %s: %s", res.Job.Status, res.Job.Error)
			}
			res.Err = err

			if err != nil {
				failed.Add(1)
				log.Error("import failed", zap.Error(err))
			} else {
				succeeded.Add(1)
				log.Info("import complete", zap.String("result_ref", res.Job.ResultRef))
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil // don't abort batch on individual failure
		})
	}
	_ = g.Wait()

	zap.L().Info("import batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	if n := failed.Load(); n > 0 {
		return results, eris.Errorf("%d of %d imports failed", n, len(targets))
	}
	return results, nil
}

func printResults(w io.Writer, results []importResult) {
	for _, r := range results {
		switch {
		case r.Job == nil:
			fmt.Fprintf(w, "%-8s %s  %v\n", "failed", r.URL, r.Err)
		case r.Err != nil:
			fmt.Fprintf(w, "%-8s %s  job=%s %v\n", r.Job.Status, r.URL, r.Job.ID, r.Err)
		default:
			score := 0
			if r.Job.CompletenessScore != nil {
				score = *r.Job.CompletenessScore
			}
			fmt.Fprintf(w, "%-8s %s  job=%s ref=%s score=%d\n", r.Job.Status, r.URL, r.Job.ID, r.Job.ResultRef, score)
		}
	}
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "file with one product URL per line")
	importCmd.Flags().StringVar(&importActor, "actor", "cli", "actor recorded on the jobs")
	importCmd.Flags().StringVar(&importScopes, "scopes", "product:write product:read", "scopes granted to the actor")
	importCmd.Flags().BoolVar(&importPreview, "preview", false, "extract without persisting product versions")
	importCmd.Flags().BoolVar(&importRewrite, "rewrite", false, "rewrite descriptions (needs content:rewrite)")
	rootCmd.AddCommand(importCmd)
}
