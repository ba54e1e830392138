package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"docgate.org/internal/ids"
	"docgate.org/internal/remote"
)

// smoke checks a running deployment: gRPC health, HTTP probes, the public
// catalog and, when credentials are given, an owner login.
func main() {
	log.SetFlags(0)
	var (
		grpcAddr = pflag.String("grpc-addr", envOr("DOCGATE_GRPC_ADDR", "localhost:9090"), "gRPC health address")
		baseURL  = pflag.String("base-url", envOr("DOCGATE_BASE_URL", "http://localhost:8080"), "HTTP base URL")
		email    = pflag.String("owner-email", os.Getenv("DOCGATE_SMOKE_EMAIL"), "owner email for the login check")
		password = pflag.String("owner-password", os.Getenv("DOCGATE_SMOKE_PASSWORD"), "owner password for the login check")
		timeout  = pflag.Duration("timeout", 10*time.Second, "overall timeout")
	)
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	rid := "smoke-" + ids.New()

	client, err := remote.Dial(*grpcAddr)
	if err != nil {
		log.Fatalf("dial %s: %v", *grpcAddr, err)
	}
	defer client.Close()

	st, err := client.Check(ctx, "", rid)
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if !st.Serving {
		log.Fatalf("grpc health: not serving")
	}

	base := strings.TrimRight(*baseURL, "/")
	hc := &http.Client{Timeout: *timeout}
	for _, path := range []string{"/healthz", "/readyz", "/v1/catalog"} {
		if err := expectOK(ctx, hc, http.MethodGet, base+path, rid, nil, nil); err != nil {
			log.Fatalf("GET %s: %v", path, err)
		}
	}

	if *email != "" {
		var tok struct {
			Token string `json:"token"`
		}
		body := map[string]string{"email": *email, "password": *password}
		if err := expectOK(ctx, hc, http.MethodPost, base+"/v1/auth/token", rid, body, &tok); err != nil {
			log.Fatalf("owner login: %v", err)
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/documents", nil)
		req.Header.Set("Authorization", "Bearer "+tok.Token)
		req.Header.Set("X-Request-ID", rid)
		resp, err := hc.Do(req)
		if err != nil {
			log.Fatalf("list documents: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Fatalf("list documents: status %d", resp.StatusCode)
		}
	}

	fmt.Printf("docgate smoke test passed: version=%s request_id=%s\n", st.Version, rid)
}

func expectOK(ctx context.Context, hc *http.Client, method, url, rid string, body, out any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &payload)
	if err != nil {
		return err
	}
	req.Header.Set("X-Request-ID", rid)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
