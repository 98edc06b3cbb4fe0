package cli

// discover.go implements the `discover` command: crawl a PLC-directory-style
// export (jsonl, one operation per line) or a plain newline-delimited URL
// list for AT-proto personal data server endpoints, and append any not
// already present to a producer registry file.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sovereign-archive/core"
)

const plcServiceType = "AtprotoPersonalDataServer"

func discoverRun(cmd *cobra.Command, args []string) error {
	srcPath, registryPath := args[0], args[1]

	found, err := extractEndpoints(srcPath)
	if err != nil {
		return IOFailure(fmt.Errorf("discover: read %s: %w", srcPath, err))
	}

	reg, err := core.OpenProducerRegistry(registryPath)
	if err != nil {
		return IOFailure(fmt.Errorf("discover: open registry: %w", err))
	}
	defer reg.Close()

	existing := make(map[string]struct{}, reg.Count())
	for _, rec := range reg.All() {
		existing[rec.URL] = struct{}{}
	}

	added := 0
	for _, url := range found {
		if _, ok := existing[url]; ok {
			continue
		}
		if _, err := reg.Append(url); err != nil {
			return IOFailure(fmt.Errorf("discover: append %s: %w", url, err))
		}
		existing[url] = struct{}{}
		added++
	}

	fmt.Fprintf(cmd.OutOrStdout(), "discover: %d candidates, %d new endpoints appended\n", len(found), added)
	return nil
}

// extractEndpoints reads either a PLC-export jsonl file (pulling the
// AtprotoPersonalDataServer service endpoint out of each operation) or a
// plain text list of URLs, one per line, tolerating blank lines and
// `#`-comments.
func extractEndpoints(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var out []string
	add := func(url string) {
		url = normalizeEndpoint(url)
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(path, ".jsonl") {
			extractPLCLine(line, add)
			continue
		}
		add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// extractPLCLine pulls every AtprotoPersonalDataServer endpoint out of one
// PLC export line's operation.services object.
func extractPLCLine(line string, add func(string)) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return
	}
	op, _ := doc["operation"].(map[string]any)
	if op == nil {
		return
	}
	services, _ := op["services"].(map[string]any)
	for _, raw := range services {
		svc, _ := raw.(map[string]any)
		if svc == nil {
			continue
		}
		if t, _ := svc["type"].(string); t != plcServiceType {
			continue
		}
		if endpoint, _ := svc["endpoint"].(string); endpoint != "" {
			add(endpoint)
		}
	}
}

// normalizeEndpoint rewrites a bare subscribeRepos websocket URL down to its
// host root, matching what the producer registry stores.
func normalizeEndpoint(url string) string {
	url = strings.TrimSuffix(url, "/xrpc/com.atproto.sync.subscribeRepos")
	return strings.TrimSpace(url)
}

var discoverCmd = &cobra.Command{
	Use:   "discover <source> <registry-file>",
	Short: "Crawl a PLC export or URL list and append new producer endpoints to a registry",
	Args:  cobra.ExactArgs(2),
	RunE:  discoverRun,
}

var DiscoverCmd = discoverCmd
