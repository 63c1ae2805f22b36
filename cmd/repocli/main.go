// repocli is an offline client for a pdsd repo's sync surface. It
// fetches CAR archives over com.atproto.sync.* and either writes them
// to disk as-is or decodes their blocks for inspection.
//
// Usage:
//
//	repocli -server https://pds.example.com -did did:plc:abc export out.car
//	repocli -server https://pds.example.com -did did:plc:abc inspect
//	repocli -server https://pds.example.com -did did:plc:abc record app.bsky.feed.post 3k...
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/car"
	"github.com/northfork-dev/atproto-pds/internal/dagcbor"
)

func main() {
	log.SetFlags(0)

	server := flag.String("server", "", "PDS base URL, e.g. https://pds.example.com")
	did := flag.String("did", "", "repo DID")
	flag.Parse()

	if *server == "" || *did == "" {
		log.Fatal("repocli: -server and -did are required")
	}
	if flag.NArg() < 1 {
		log.Fatal("repocli: expected a command: export <file> | inspect | record <collection> <rkey>")
	}

	client := &httpClient{base: *server, httpc: &http.Client{Timeout: 30 * time.Second}}

	switch cmd := flag.Arg(0); cmd {
	case "export":
		if flag.NArg() < 2 {
			log.Fatal("repocli: export requires an output file path")
		}
		runExport(client, *did, flag.Arg(1))
	case "inspect":
		runInspect(client, *did)
	case "record":
		if flag.NArg() < 3 {
			log.Fatal("repocli: record requires a collection and rkey")
		}
		runRecord(client, *did, flag.Arg(1), flag.Arg(2))
	default:
		log.Fatalf("repocli: unknown command %q", cmd)
	}
}

// httpClient wraps the handful of sync endpoints repocli talks to.
type httpClient struct {
	base  string
	httpc *http.Client
}

func (c *httpClient) get(path string, query url.Values) ([]byte, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.httpc.Get(u)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

// runExport fetches the full repo snapshot and writes the raw CAR
// bytes to outPath unmodified.
func runExport(c *httpClient, did, outPath string) {
	data, err := c.get("/xrpc/com.atproto.sync.getRepo", url.Values{"did": {did}})
	if err != nil {
		log.Fatalf("repocli: export: %v", err)
	}
	if err := os.WriteFile(outPath, data, 0o640); err != nil {
		log.Fatalf("repocli: write %s: %v", outPath, err)
	}
	log.Printf("Wrote %d bytes to %s", len(data), outPath)
}

// runInspect fetches the full repo snapshot and prints a summary of
// its roots and blocks without decoding record contents.
func runInspect(c *httpClient, did string) {
	data, err := c.get("/xrpc/com.atproto.sync.getRepo", url.Values{"did": {did}})
	if err != nil {
		log.Fatalf("repocli: inspect: %v", err)
	}

	roots, blocks, err := car.Parse(data)
	if err != nil {
		log.Fatalf("repocli: parse CAR: %v", err)
	}

	fmt.Printf("roots:\n")
	for _, r := range roots {
		fmt.Printf("  %s\n", r)
	}
	fmt.Printf("blocks: %d\n", len(blocks))

	for key, raw := range blocks {
		c, err := cid.Cast([]byte(key))
		if err != nil {
			continue
		}
		fmt.Printf("  %s (%d bytes)\n", c, len(raw))
	}
}

// runRecord fetches a verifiable Merkle proof CAR for a single record
// and prints its decoded value.
func runRecord(c *httpClient, did, collection, rkey string) {
	data, err := c.get("/xrpc/com.atproto.sync.getRecord", url.Values{
		"did":        {did},
		"collection": {collection},
		"rkey":       {rkey},
	})
	if err != nil {
		log.Fatalf("repocli: record: %v", err)
	}

	roots, blocks, err := car.Parse(data)
	if err != nil {
		log.Fatalf("repocli: parse CAR: %v", err)
	}
	if len(roots) == 0 {
		log.Fatal("repocli: record proof CAR has no root")
	}

	raw, ok := blocks[roots[0].KeyString()]
	if !ok {
		log.Fatal("repocli: root block missing from proof CAR")
	}

	val, err := dagcbor.Unmarshal(raw)
	if err != nil {
		log.Fatalf("repocli: decode record: %v", err)
	}
	fmt.Printf("%#v\n", val)
}
