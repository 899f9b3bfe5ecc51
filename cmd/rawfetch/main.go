// Command rawfetch fetches a URL over raw sockets and prints the body,
// optionally followed by the request telemetry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	rawfetch "github.com/WhileEndless/go-rawfetch"
)

type headerFlags []string

func (h *headerFlags) String() string     { return strings.Join(*h, ", ") }
func (h *headerFlags) Set(v string) error { *h = append(*h, v); return nil }

func main() {
	var (
		method       = flag.String("X", "GET", "request method")
		data         = flag.String("d", "", "request body")
		proxyURL     = flag.String("x", "", "proxy URL (http:// or https://)")
		noProxy      = flag.String("noproxy", "", "comma separated hosts bypassing the proxy")
		maxRedirects = flag.Int("max-redirs", 0, "maximum redirects to follow (negative disables)")
		insecure     = flag.Bool("k", false, "skip peer and host verification")
		pin          = flag.String("pin", "", "sha256 fingerprint of the peer certificate")
		timeout      = flag.Duration("timeout", 0, "idle read/write timeout")
		maxTime      = flag.Duration("max-time", 0, "maximum duration of the whole request")
		verbose      = flag.Bool("v", false, "print the debug trace and telemetry to stderr")
		headers      headerFlags
		resolves     headerFlags
	)
	flag.Var(&headers, "H", "extra header (repeatable)")
	flag.Var(&resolves, "resolve", "host:ip pin (repeatable)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] URL\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	opts := rawfetch.Options{
		Headers:        make(http.Header),
		Proxy:          *proxyURL,
		MaxRedirects:   *maxRedirects,
		SkipVerifyPeer: *insecure,
		SkipVerifyHost: *insecure,
		Timeout:        *timeout,
		MaxDuration:    *maxTime,
	}
	if *data != "" {
		opts.Body = *data
	}
	if *noProxy != "" {
		opts.NoProxy = noProxy
	}
	if *pin != "" {
		opts.PeerFingerprint = map[string]string{"sha256": *pin}
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			logger.Fatalf("invalid header %q", h)
		}
		opts.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if len(resolves) > 0 {
		opts.Resolve = make(map[string]string, len(resolves))
		for _, r := range resolves {
			host, ip, ok := strings.Cut(r, ":")
			if !ok {
				logger.Fatalf("invalid resolve entry %q", r)
			}
			opts.Resolve[host] = ip
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := rawfetch.NewClient(rawfetch.DefaultOptions(), 0, rawfetch.WithLogger(logger))
	resp, err := c.Request(ctx, *method, flag.Arg(0), opts)
	if err != nil {
		logger.WithError(err).Fatal("request failed")
	}
	defer resp.Close()

	seq, err := c.Stream(resp, 30*time.Second)
	if err != nil {
		logger.WithError(err).Fatal("stream failed")
	}
	exit := 0
	for ch := range seq {
		switch ch.Kind {
		case rawfetch.ChunkData:
			os.Stdout.Write(ch.Data)
		case rawfetch.ChunkTimeout:
			logger.Warn("no data received for 30s")
		case rawfetch.ChunkError:
			logger.WithError(ch.Err).Error("transfer failed")
			exit = 1
		}
	}

	if *verbose {
		info := resp.Info()
		fmt.Fprint(os.Stderr, info.Debug)
		info.Debug = ""
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		enc.Encode(info)
	}
	if exit != 0 {
		resp.Close()
		os.Exit(exit)
	}
}
