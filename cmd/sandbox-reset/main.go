/**
 * @description
 * Script to wipe a sandbox treasury-service so demo data can be seeded again.
 * It prints the current lock and vault counts, asks for confirmation and then
 * calls POST /api/clear-all with the internal API key.
 *
 * Usage:
 *   go run ./cmd/sandbox-reset [-yes]
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads ../.env and .env when present.
 * - Environment variables: INTERNAL_API_KEY, TREASURY_SERVICE_URL
 */

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultServiceURL = "http://localhost:8090"

// serviceError is the error body returned by the treasury API.
type serviceError struct {
	Error string `json:"error"`
}

func main() {
	skipConfirm := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	// Missing files are fine; the process environment still applies.
	for _, path := range []string{"../.env", ".env"} {
		_ = godotenv.Load(path)
	}

	apiKey := strings.TrimSpace(os.Getenv("INTERNAL_API_KEY"))
	if apiKey == "" {
		log.Fatal("INTERNAL_API_KEY environment variable is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("TREASURY_SERVICE_URL")), "/")
	if baseURL == "" {
		baseURL = defaultServiceURL
		fmt.Println("Using default service URL:", baseURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 15 * time.Second}

	locks, err := countRecords(ctx, client, baseURL+"/api/locks")
	if err != nil {
		log.Fatalf("Failed to fetch locks: %v", err)
	}
	vaults, err := countRecords(ctx, client, baseURL+"/api/vaults")
	if err != nil {
		log.Fatalf("Failed to fetch vaults: %v", err)
	}
	fmt.Printf("Sandbox state at %s:\n", baseURL)
	fmt.Printf("  Locks:  %d\n", locks)
	fmt.Printf("  Vaults: %d\n", vaults)

	if !*skipConfirm {
		fmt.Printf("\nAre you sure you want to clear all sandbox state? (yes/no): ")
		var confirmation string
		fmt.Scanln(&confirmation)
		if confirmation != "yes" {
			fmt.Println("Reset cancelled.")
			os.Exit(0)
		}
	}

	if err := clearAll(ctx, client, baseURL, apiKey); err != nil {
		log.Fatalf("Failed to clear sandbox: %v", err)
	}
	fmt.Println("Sandbox state cleared.")
}

// countRecords fetches a public list endpoint and returns the number of entries.
func countRecords(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, status, err := send(client, req)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, apiError(status, body)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	return len(records), nil
}

func clearAll(ctx context.Context, client *http.Client, baseURL, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/clear-all", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-API-Key", apiKey)

	body, status, err := send(client, req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}
	return nil
}

func send(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func apiError(status int, body []byte) error {
	var svcErr serviceError
	if err := json.Unmarshal(body, &svcErr); err == nil && svcErr.Error != "" {
		return fmt.Errorf("treasury API error with status %d: %s", status, svcErr.Error)
	}
	return fmt.Errorf("treasury API error with status %d: %s", status, string(body))
}
