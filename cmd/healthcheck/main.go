package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(check())
}

func check() int {
	base := os.Getenv("CIVICSYNC_BASE_URL")
	if base == "" {
		return 1
	}

	client := &http.Client{Timeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/health", nil)
	if err != nil {
		return 1
	}

	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	_ = resp.Body.Close()

	// Any response proves the portal is reachable; only transport failure
	// means the sync agent should report unhealthy.
	if resp.StatusCode >= 500 {
		return 1
	}

	return 0
}
