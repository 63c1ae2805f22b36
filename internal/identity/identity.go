// Package identity handles the PDS's external federation glue: telling
// a relay where to find this repo. DID document assembly itself lives
// in internal/account, since it needs the signing key.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// AnnounceToRelay sends a requestCrawl to a relay so it discovers this
// PDS. A non-2xx reply from the relay is logged and nil is returned;
// errors building or sending the request are returned to the caller.
func AnnounceToRelay(ctx context.Context, relayURL, serviceURL string) error {
	payload, err := json.Marshal(map[string]string{"hostname": serviceURL})
	if err != nil {
		return fmt.Errorf("identity: marshal crawl request: %w", err)
	}

	url := relayURL + "/xrpc/com.atproto.sync.requestCrawl"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("identity: create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: announce to relay %s: %w", relayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Printf("identity: relay announcement accepted: %s -> %s", serviceURL, relayURL)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	log.Printf("identity: relay announcement to %s returned %d: %s", relayURL, resp.StatusCode, string(respBody))
	return nil
}
