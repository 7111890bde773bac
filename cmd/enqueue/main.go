// Package main provides the enqueue CLI: a thin wrapper around the
// control plane's /cron-run-logic endpoint so an external scheduler can
// drive the batch enqueuer without speaking JSON.
//
// Exit codes: 0 on success, 1 on unrecoverable error, 2 when another
// holder had the batch lock (callers treat 2 as success).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/atriumbms/atrium/internal/batch"
)

const (
	exitOK       = 0
	exitError    = 1
	exitLockHeld = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	server := flag.String("server", "http://localhost:8080", "Control plane base URL")
	equipmentID := flag.String("equipment", "", "Run the single-equipment path for this id")
	force := flag.Bool("force", false, "Bypass the batch lock")
	debug := flag.Bool("debug", false, "Include per-equipment gate decisions in the output")
	timeout := flag.Duration("timeout", 2*time.Minute, "Request timeout")
	quiet := flag.Bool("quiet", false, "Suppress the result summary")
	flag.Parse()

	secret := os.Getenv("SERVER_ACTION_SECRET_KEY")

	query := url.Values{}
	if secret != "" {
		query.Set("secretKey", secret)
	}
	if *equipmentID != "" {
		query.Set("equipmentId", *equipmentID)
	}
	if *force {
		query.Set("force", "true")
	}
	if *debug {
		query.Set("debug", "true")
	}

	endpoint := *server + "/cron-run-logic?" + query.Encode()

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reaching control plane: %v\n", err)
		return exitError
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading response: %v\n", err)
		return exitError
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Control plane returned %s: %s\n", resp.Status, string(body))
		return exitError
	}

	var result batch.Result
	if err := json.Unmarshal(body, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding response: %v\n", err)
		return exitError
	}

	if !*quiet {
		switch {
		case result.Skipped:
			fmt.Printf("Skipped: batch lock held elsewhere (requestId=%s)\n", result.RequestID)
		case result.Cached:
			fmt.Printf("Cached result for %s (requestId=%s)\n", *equipmentID, result.RequestID)
		default:
			fmt.Printf("Queued %d, already queued %d, errors %d in %dms (requestId=%s)\n",
				result.Queued, result.AlreadyQueued, result.Errors, result.DurationMs, result.RequestID)
		}
		if *debug {
			for _, d := range result.Decisions {
				fmt.Printf("  %s process=%v priority=%d reason=%q queued=%v\n",
					d.EquipmentID, d.Process, d.Priority, d.Reason, d.Queued)
			}
		}
	}

	if result.Skipped {
		return exitLockHeld
	}
	return exitOK
}
