// Command pac-eval evaluates a PAC script against one or more URLs and
// prints the proxy candidates the bridge would try, in order.
//
//	pac-eval -pac http://wpad.corp/wpad.dat https://example.com/ intranet.corp
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/pac"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
)

// Evaluation is the outcome for a single URL.
type Evaluation struct {
	Target     string   `json:"target"`
	URL        string   `json:"url"`
	Host       string   `json:"host"`
	Result     string   `json:"result,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	Error      string   `json:"error,omitempty"`
	Duration   string   `json:"duration"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "pac-eval:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pac-eval", flag.ContinueOnError)
	pacLocation := fs.String("pac", "", "PAC script location (http(s) URL, file:// URL or path)")
	target := fs.String("url", "", "URL or host to evaluate (further targets may follow the flags)")
	timeout := fs.Int("timeout", 5, "Evaluation timeout per URL in seconds")
	asJSON := fs.Bool("json", false, "Print results as JSON")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger.SetLevel(logger.WARN)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	if *pacLocation == "" {
		return errors.New("-pac is required")
	}
	targets := fs.Args()
	if *target != "" {
		targets = append([]string{*target}, targets...)
	}
	if len(targets) == 0 {
		return errors.New("no URL given")
	}

	fetcher := pac.NewFetcher(nil, 0, time.Minute)
	evaluator := pac.NewOttoEvaluator(nil)
	perURL := time.Duration(*timeout) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), perURL)
	script, err := fetcher.Fetch(ctx, *pacLocation)
	cancel()
	if err != nil {
		return err
	}

	results := make([]Evaluation, 0, len(targets))
	for _, t := range targets {
		results = append(results, evaluate(evaluator, script, t, perURL))
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	for _, r := range results {
		printEvaluation(out, r)
	}
	return nil
}

func evaluate(evaluator pac.Evaluator, script *pac.Script, target string, timeout time.Duration) Evaluation {
	start := time.Now()
	ev := Evaluation{Target: target, URL: resolver.NormalizeTarget(target)}
	ev.Host = pac.HostFromURL(ev.URL)
	defer func() { ev.Duration = time.Since(start).Round(time.Microsecond).String() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := evaluator.FindProxyForURL(ctx, script, ev.URL, ev.Host)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	ev.Result = result

	candidates, err := pac.ParseResult(result)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	for _, c := range candidates {
		ev.Candidates = append(ev.Candidates, c.String())
	}
	return ev
}

func printEvaluation(out io.Writer, ev Evaluation) {
	fmt.Fprintf(out, "%s (host %s, %s)\n", ev.URL, ev.Host, ev.Duration)
	if ev.Result != "" {
		fmt.Fprintf(out, "  result: %s\n", ev.Result)
	}
	for i, c := range ev.Candidates {
		fmt.Fprintf(out, "  %d. %s\n", i+1, c)
	}
	if ev.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", ev.Error)
	}
}
