package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/proxy"
	"golang.org/x/sync/errgroup"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	mode        = flag.String("mode", "http", "Request mode: http (absolute-URI forwarding) or connect (tunnel)")
)

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// fetchPlain sends one GET through the bridge as an absolute-URI request.
func fetchPlain(ctx context.Context, client *http.Client, targetURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	return readBody(resp.Body)
}

// fetchTunneled opens a CONNECT tunnel and issues the GET inside it.
func fetchTunneled(ctx context.Context, bridgeAddr, targetAddr string) (int64, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", bridgeAddr)
	if err != nil {
		return 0, fmt.Errorf("dial bridge: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr); err != nil {
		return 0, fmt.Errorf("write CONNECT: %w", err)
	}
	r := bufio.NewReader(conn)
	resp, err := http.ReadResponse(r, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return 0, fmt.Errorf("read CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("CONNECT status %d (%s)", resp.StatusCode, resp.Header.Get("X-Proxy-Error"))
	}

	if _, err := fmt.Fprintf(conn, "GET /data HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", targetAddr); err != nil {
		return 0, fmt.Errorf("write request: %w", err)
	}
	inner, err := http.ReadResponse(r, nil)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	defer inner.Body.Close()
	if inner.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", inner.StatusCode)
	}
	return readBody(inner.Body)
}

func readBody(body io.Reader) (int64, error) {
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	if n != int64(*dataSize) {
		return n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)
	}
	return n, nil
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	if *mode != "http" && *mode != "connect" {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := []byte(strings.Repeat("a", *dataSize))

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	targetAddr := targetLn.Addr().String()
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			log.Printf("Data server error: %v", err)
		}
	}()

	// Everything goes DIRECT: no system settings, no credentials, no stats.
	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Resolver.Sources = []string{config.SourceConfig}
	cfg.Auth.Enabled = false
	cfg.MaxConcurrentConnections = *concurrency * 2

	bridge, err := proxy.NewProxy(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
	bridgeLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := bridge.StartWithListener(bridgeLn); err != nil {
			log.Printf("Bridge error: %v", err)
		}
	}()
	defer func() { _ = bridge.Stop() }()

	bridgeAddr := bridgeLn.Addr().String()
	bridgeURL, _ := url.Parse("http://" + bridgeAddr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(bridgeURL), MaxIdleConnsPerHost: *concurrency},
		Timeout:   10 * time.Second,
	}
	targetURL := "http://" + targetAddr + "/data"

	var success, failures, total atomic.Int64
	next := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(next)
		for i := 0; i < *numRequests; i++ {
			select {
			case next <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for range next {
				var n int64
				var err error
				if *mode == "connect" {
					n, err = fetchTunneled(gctx, bridgeAddr, targetAddr)
				} else {
					n, err = fetchPlain(gctx, client, targetURL)
				}
				if err != nil {
					failures.Add(1)
					fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
					continue
				}
				success.Add(1)
				total.Add(n)
			}
			return nil
		})
	}
	waitErr := g.Wait()
	dur := time.Since(start)

	rps := float64(success.Load()) / dur.Seconds()
	mbps := float64(total.Load()) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Mode: %s, Duration: %.2f s, Success: %d, Errors: %d\n", *mode, dur.Seconds(), success.Load(), failures.Load())
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)

	if failures.Load() > 0 || waitErr != nil {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
