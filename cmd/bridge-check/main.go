package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
)

// CheckResult represents the outcome of fetching one URL through the bridge.
type CheckResult struct {
	URL      string        `json:"url"`
	Route    string        `json:"route,omitempty"`
	Tier     string        `json:"tier,omitempty"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// Checker fetches URLs through a running bridge and, when a portal address
// is given, asks the portal how each URL was routed.
type Checker struct {
	BridgeURL string
	PortalURL string
	Token     string
	Client    *http.Client
	Portal    *http.Client
	Results   []CheckResult
}

var defaultTargets = []string{
	"http://httpbin.org/ip",
	"https://httpbin.org/headers",
	"https://www.google.com/",
	"https://duckduckgo.com/",
}

func main() {
	bridgeAddr := flag.String("bridge", "127.0.0.1:3128", "Bridge address (host:port)")
	portalAddr := flag.String("portal", "", "Portal address (host:port) to query routing decisions, empty to skip")
	token := flag.String("token", "", "Portal bearer token")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	bridgeURL, err := url.Parse("http://" + *bridgeAddr)
	if err != nil {
		logger.Fatal("Invalid bridge address: %v", err)
	}

	c := &Checker{
		BridgeURL: bridgeURL.String(),
		Token:     *token,
		Client: &http.Client{
			Timeout:   time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{Proxy: http.ProxyURL(bridgeURL)},
		},
		// the portal is always reached without a proxy
		Portal: &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{Proxy: nil}},
	}
	if *portalAddr != "" {
		c.PortalURL = "http://" + *portalAddr
	}

	targets := flag.Args()
	if len(targets) == 0 {
		targets = defaultTargets
	}

	logger.Info("Checking %d URLs through bridge %s", len(targets), c.BridgeURL)
	for _, target := range targets {
		c.Results = append(c.Results, c.check(resolver.NormalizeTarget(target)))
	}

	if !c.printResults() {
		os.Exit(1)
	}
}

func (c *Checker) check(target string) CheckResult {
	result := CheckResult{URL: target}
	if c.PortalURL != "" {
		c.explain(&result)
	}

	start := time.Now()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to create request: %v", err)
		return result
	}
	req.Header.Set("User-Agent", "pacbridge-check/1.0")

	resp, err := c.Client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("Request failed: %v", err)
		return result
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	n, err := io.Copy(io.Discard, resp.Body)
	result.Status = resp.StatusCode
	if err != nil {
		result.Error = fmt.Sprintf("Failed to read response: %v", err)
		return result
	}
	if code := resp.Header.Get("X-Proxy-Error"); code != "" {
		result.Error = fmt.Sprintf("bridge error %s (upstream status %q)", code, resp.Header.Get("X-Upstream-Status"))
		return result
	}

	logger.Debug("Response for %s: %d bytes, status %d", target, n, resp.StatusCode)
	result.Success = resp.StatusCode < 400
	return result
}

// explain fills in the routing decision reported by the portal.
func (c *Checker) explain(result *CheckResult) {
	req, err := http.NewRequest(http.MethodGet, c.PortalURL+"/api/resolve?url="+url.QueryEscape(result.URL), nil)
	if err != nil {
		return
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Portal.Do(req)
	if err != nil {
		logger.Warn("Portal query failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("Portal answered %d for %s", resp.StatusCode, result.URL)
		return
	}

	var exp resolver.Explanation
	if err := json.NewDecoder(resp.Body).Decode(&exp); err != nil {
		logger.Warn("Invalid portal response: %v", err)
		return
	}
	result.Route = exp.Decision.String()
	result.Tier = string(exp.Tier)
	if exp.Degraded {
		result.Tier += " (degraded: " + exp.Error + ")"
	}
}

func (c *Checker) printResults() bool {
	fmt.Printf("\n=== Bridge Check Results ===\n")
	fmt.Printf("Bridge: %s\n\n", c.BridgeURL)

	passed, failed := 0, 0
	for _, result := range c.Results {
		status := "PASS"
		if !result.Success {
			status = "FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-40s %s (%d) %v\n", result.URL, status, result.Status, result.Duration.Round(time.Millisecond))
		if result.Route != "" {
			fmt.Printf("    route: %s via %s\n", strings.TrimSpace(result.Route), result.Tier)
		}
		if result.Error != "" {
			fmt.Printf("    error: %s\n", result.Error)
		}
	}

	fmt.Printf("\nPassed: %d, Failed: %d\n", passed, failed)
	return failed == 0
}
