package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/handler"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/source"
)

// localCmd re-ingests a list of S3 URIs outside Lambda, e.g. for backfilling
// after an index rebuild. Progress files make interrupted runs resumable.
func localCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local --objects FILE",
		Short: "Process a list of s3:// URIs from a local machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd.Context(),
				viper.GetString("objects"),
				viper.GetInt64("workers"))
		},
	}
	cmd.Flags().String("objects", "", "file with one s3://bucket/key per line")
	cmd.Flags().Int64("workers", 4, "concurrent objects")
	_ = viper.BindPFlag("objects", cmd.Flags().Lookup("objects"))
	_ = viper.BindPFlag("workers", cmd.Flags().Lookup("workers"))
	return cmd
}

func runLocal(ctx context.Context, objectsFile string, workers int64) error {
	if objectsFile == "" {
		return fmt.Errorf("--objects is required")
	}
	uris, err := readObjectList(objectsFile)
	if err != nil {
		return err
	}

	finished, err := loadProgress(objectsFile + ".finished")
	if err != nil {
		return err
	}

	pipeline, err := handler.NewPipeline(ctx, handler.ConfigFromEnv())
	if err != nil {
		return err
	}

	finishedLog, err := os.OpenFile(objectsFile+".finished", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer finishedLog.Close()
	errorLog, err := os.OpenFile(objectsFile+".error", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer errorLog.Close()

	var logMu sync.Mutex
	appendLine := func(f *os.File, line string) {
		logMu.Lock()
		defer logMu.Unlock()
		fmt.Fprintln(f, line)
	}

	sem := semaphore.NewWeighted(workers)
	var wg sync.WaitGroup
	var failures int
	var failMu sync.Mutex

	for _, uri := range uris {
		if _, done := finished[uri]; done {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(uri string) {
			defer wg.Done()
			defer sem.Release(1)

			bucket, key, err := splitS3URI(uri)
			if err != nil {
				slog.Error("skipping malformed uri", "uri", uri, "error", err.Error())
				appendLine(errorLog, uri)
				return
			}
			n := source.Notification{Bucket: bucket, Key: key}
			if err := pipeline.ProcessRecord(ctx, n); err != nil {
				slog.Error("object failed", "uri", uri, "error", err.Error())
				appendLine(errorLog, uri)
				failMu.Lock()
				failures++
				failMu.Unlock()
				return
			}
			appendLine(finishedLog, uri)
		}(uri)
	}
	wg.Wait()

	if failures > 0 {
		return fmt.Errorf("%d of %d objects failed; see %s.error", failures, len(uris), objectsFile)
	}
	slog.Info("all objects processed", "count", len(uris))
	return nil
}

func readObjectList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var uris []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	return uris, sc.Err()
}

// loadProgress reads the set of URIs already handled by a previous run.
func loadProgress(path string) (map[string]struct{}, error) {
	done := make(map[string]struct{})
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return done, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		done[strings.TrimSpace(sc.Text())] = struct{}{}
	}
	return done, sc.Err()
}

func splitS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3:// uri")
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("missing bucket or key")
	}
	return bucket, key, nil
}
