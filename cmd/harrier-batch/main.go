// Harrier - Fraud alert triage for card transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command harrier-batch scores a CSV file of card transactions.
//
// Usage:
//
//	harrier-batch -csv transactions.csv              # store and score in the configured database
//	harrier-batch -csv transactions.csv -dry-run     # score in memory only
//	harrier-batch -csv transactions.csv -url http://localhost:8080 -analyst a1
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/harrier/internal/batch"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/ingest"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/priority"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
)

func main() {
	csvPath := flag.String("csv", "", "Path to transactions CSV file")
	configPath := flag.String("config", os.Getenv("HARRIER_CONFIG"), "Config file (YAML or JSON)")
	baseURL := flag.String("url", "", "Send the file to a running Harrier instead of scoring locally")
	analyst := flag.String("analyst", "", "Analyst ID sent with -url requests")
	token := flag.String("token", "", "Bearer token sent with -url requests")
	dryRun := flag.Bool("dry-run", false, "Score in memory without touching the database")
	top := flag.Int("top", 10, "Number of queued alerts to print")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: harrier-batch -csv /path/to/transactions.csv [-dry-run] [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	_ = godotenv.Load()

	cfg, err := config.Resolve(*configPath, os.Getenv)
	if err != nil {
		fmt.Printf("ERROR: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewLogger("warn", cfg.Logging.Format))

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	ctx := context.Background()
	start := time.Now()

	if *baseURL != "" {
		if err := importRemote(ctx, *baseURL, *analyst, *token, file); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		return
	}

	parsed, err := ingest.ParseCSV(file)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions from %s\n", len(parsed.Transactions), *csvPath)

	engine, err := rules.NewDefaultEngine()
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	var (
		sum    *batch.Summary
		alerts []*domain.Alert
	)
	if *dryRun {
		sum, alerts, err = scoreInMemory(ctx, engine, parsed.Transactions)
	} else {
		sum, alerts, err = scoreStored(ctx, cfg.Repository, engine, parsed.Transactions)
	}
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	sum.Received += parsed.Duplicates + parsed.Rejected()
	sum.Duplicates += parsed.Duplicates
	sum.Rejected += parsed.Rejected()

	printSummary(sum, parsed.Rejections, time.Since(start))
	printQueue(alerts, *top)
}

func scoreInMemory(ctx context.Context, engine *rules.Engine, txs []*domain.Transaction) (*batch.Summary, []*domain.Alert, error) {
	ledger := batch.NewMemoryLedger()
	res, err := batch.NewProcessor(engine, nil, ledger).Process(ctx, txs)
	if err != nil {
		return nil, nil, err
	}
	sum := &batch.Summary{
		Received:   len(txs),
		Rejected:   res.Rejected,
		Processed:  res.Processed,
		Skipped:    res.Skipped,
		Created:    res.Created,
		Rejections: res.Rejections,
	}
	for _, a := range res.Alerts {
		sum.AlertIDs = append(sum.AlertIDs, a.ID)
	}
	return sum, res.Alerts, nil
}

func scoreStored(ctx context.Context, cfg domain.RepositoryConfig, engine *rules.Engine, txs []*domain.Transaction) (*batch.Summary, []*domain.Alert, error) {
	repo, err := repository.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	sum, err := batch.Ingest(ctx, repo, batch.NewProcessor(engine, repo, repo), txs)
	if err != nil {
		return nil, nil, err
	}

	alerts := make([]*domain.Alert, 0, len(sum.AlertIDs))
	for _, id := range sum.AlertIDs {
		a, err := repo.GetAlert(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		alerts = append(alerts, a)
	}
	return sum, alerts, nil
}

func importRemote(ctx context.Context, baseURL, analyst, token string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/transactions/import", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/csv")
	if analyst != "" {
		req.Header.Set("X-Analyst-ID", analyst)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("import failed: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}

func printSummary(sum *batch.Summary, rowErrors []ingest.RowError, d time.Duration) {
	fmt.Println()
	fmt.Println("BATCH SUMMARY")
	fmt.Printf("   Received:        %d\n", sum.Received)
	fmt.Printf("   Stored:          %d\n", sum.Stored)
	fmt.Printf("   Duplicates:      %d\n", sum.Duplicates)
	fmt.Printf("   Rejected:        %d\n", sum.Rejected)
	fmt.Printf("   Processed:       %d\n", sum.Processed)
	fmt.Printf("   Skipped:         %d\n", sum.Skipped)
	fmt.Printf("   Alerts Created:  %d\n", sum.Created)
	fmt.Printf("   Duration:        %v\n", d.Round(time.Millisecond))

	if len(rowErrors) > 0 || len(sum.Rejections) > 0 {
		fmt.Println("\nREJECTED")
		for _, re := range rowErrors {
			fmt.Printf("   line %-6d %-16s %s\n", re.Line, re.TxID, re.Reason)
		}
		for _, r := range sum.Rejections {
			fmt.Printf("   %-11s %-16s %s\n", "", r.TxID, r.Reason)
		}
	}
}

func printQueue(alerts []*domain.Alert, top int) {
	if len(alerts) == 0 || top <= 0 {
		return
	}

	now := time.Now()
	s := priority.Summarize(alerts, now)
	fmt.Println("\nBY SEVERITY")
	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
		fmt.Printf("   %-9s %d\n", sev, s.BySeverity[sev])
	}

	fmt.Println("\nTOP OF QUEUE")
	for i, r := range priority.Sort(alerts, now) {
		if i == top {
			break
		}
		fmt.Printf("   %-16s tx=%-14s %-8s score=%3d priority=%5.1f sla=%-11s %s\n",
			r.Alert.ID, r.Alert.TransactionID, r.Alert.Severity, r.Alert.RiskScore,
			r.PriorityScore, r.SLAStatus, r.Alert.RuleList())
	}
	fmt.Println()
}
