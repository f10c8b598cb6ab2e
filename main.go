package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"argus/engine"
	"argus/engine/scheduler"
)

func main() {
	var (
		dbPath        string
		htmlDir       string
		enginesPath   string
		hypothesis    string
		queryList     string
		queryFile     string
		llmURL        string
		llmModel      string
		metricsAddr   string
		snapshotEvery time.Duration
		showVersion   bool
	)

	flag.StringVar(&dbPath, "db", "argus.db", "Path to the evidence graph database")
	flag.StringVar(&htmlDir, "html-dir", "html", "Directory for fetched page HTML")
	flag.StringVar(&enginesPath, "engines", "engines.yaml", "Path to the engine configuration document")
	flag.StringVar(&hypothesis, "hypothesis", "", "Research hypothesis to investigate")
	flag.StringVar(&queryList, "queries", "", "Comma separated list of initial search queries")
	flag.StringVar(&queryFile, "query-file", "", "Path to file containing one query per line")
	flag.StringVar(&llmURL, "llm-url", "", "Base URL of the local LLM endpoint (empty = rule-based only)")
	flag.StringVar(&llmModel, "llm-model", "", "Model name for the local LLM endpoint")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address for Prometheus metrics exposure (e.g. :2112)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 10*time.Second, "Interval between progress snapshots (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.Parse()

	if showVersion {
		fmt.Println("argus search-and-verify engine CLI")
		return
	}
	if hypothesis == "" {
		fmt.Println("No hypothesis provided. Use -hypothesis \"...\".")
		os.Exit(1)
	}

	queries, err := gatherQueries(queryList, queryFile)
	if err != nil {
		log.Fatalf("collect queries: %v", err)
	}

	cfg := engine.Defaults()
	cfg.DBPath = dbPath
	cfg.HTMLDir = htmlDir
	cfg.EnginesPath = enginesPath
	cfg.LLMBaseURL = llmURL
	cfg.LLMModel = llmModel
	cfg.MetricsEnabled = metricsAddr != ""

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	if err := eng.Start(); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	if metricsAddr != "" {
		if handler := eng.MetricsHandler(); handler != nil {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", handler)
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Printf("metrics server: %v", err)
				}
			}()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	task, decomposition, err := eng.SubmitHypothesis(ctx, hypothesis)
	if err != nil {
		log.Fatalf("submit hypothesis: %v", err)
	}
	log.Printf("task %s created (%d claims via %s)", task.ID, len(decomposition.Claims), decomposition.Method)

	if len(queries) > 0 {
		ctx, _ := scheduler.NewTrace(ctx)
		result, err := eng.Tools().QueueSearches(ctx, map[string]any{
			"task_id": task.ID,
			"queries": queries,
		})
		if err != nil {
			log.Fatalf("queue searches: %v", err)
		}
		log.Printf("queued %v searches (%v duplicates skipped)", result["queued_count"], result["skipped_count"])
	}

	// Snapshot loop until interrupted
	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
	}
	for {
		select {
		case <-ctx.Done():
			final := eng.Snapshot(context.Background())
			b, _ := json.MarshalIndent(final, "", "  ")
			fmt.Fprintf(os.Stderr, "\n=== FINAL SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
			return
		case <-tickOrNever(ticker):
			snap := eng.Snapshot(ctx)
			b, _ := json.MarshalIndent(snap, "", "  ")
			fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
		}
	}
}

func tickOrNever(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func gatherQueries(queryList, queryFile string) ([]string, error) {
	queries := []string{}
	if queryList != "" {
		for _, q := range strings.Split(queryList, ",") {
			q = strings.TrimSpace(q)
			if q != "" {
				queries = append(queries, q)
			}
		}
	}
	if queryFile != "" {
		f, err := os.Open(queryFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				queries = append(queries, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	// de-duplicate while preserving order
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out, nil
}
