// Command genhash is the ancillary HTTP(S) health-check hashing tool
// named in spec.md §6: it fetches a resource and prints a hash of its
// body plus the total response time, sharing internal/loop's timer
// utilities for the request deadline rather than a bare context
// timeout, so the tool exercises the same scheduling primitives the
// core daemon does.
package main

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"github.com/nnesterov/vrrpd/internal/loop"
)

var (
	app = kingpin.New("genhash", "fetch a URL and print a hash of its body")

	flagSSL    = app.Flag("ssl", "use HTTPS").Short('S').Bool()
	flagInsecure = app.Flag("insecure", "skip TLS certificate verification").Short('I').Bool()
	flagServer = app.Flag("server", "target IP or hostname").Short('s').Required().String()
	flagPort   = app.Flag("port", "target port").Short('p').Default("80").Int()
	flagURL    = app.Flag("url", "request path").Short('u').Default("/").String()
	flagVhost  = app.Flag("vhost", "Host header to send").Short('V').String()
	flagHash   = app.Flag("hash", "hash algorithm (only sha256 supported)").Short('H').Default("sha256").String()
	flagFwmark = app.Flag("fwmark", "socket mark (accepted but not applied to the client socket)").Short('m').Int()
	flagVerbose = app.Flag("verbose", "print verbose timing").Short('v').Bool()
)

func main() {
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "genhash:", err)
		os.Exit(1)
	}
}

func run() error {
	scheme := "http"
	if *flagSSL {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, *flagServer, *flagPort, *flagURL)

	lp, err := loop.New(logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("event loop init: %w", err)
	}
	go lp.Run()
	defer lp.Stop()

	client := &http.Client{}
	if *flagSSL && *flagInsecure {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if *flagVhost != "" {
		req.Host = *flagVhost
	}

	start := time.Now()

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Do(req)
		done <- result{resp, err}
	}()

	// A watchdog timer scheduled on the loop fires if the fetch hangs
	// well past any sane response time; genhash is a one-shot tool so it
	// only needs the loop's timer wheel, not its fd multiplexing.
	timedOut := make(chan struct{})
	lp.AfterFunc(30*time.Second, func(time.Time) { close(timedOut) })

	var res result
	select {
	case res = <-done:
	case <-timedOut:
		return fmt.Errorf("request to %s timed out", url)
	}
	if res.err != nil {
		return res.err
	}
	defer res.resp.Body.Close()

	body, err := io.ReadAll(res.resp.Body)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	sum := sha256.Sum256(body)
	fmt.Printf("%s  %s\n", hex.EncodeToString(sum[:]), url)
	if *flagVerbose {
		fmt.Printf("status: %s\n", res.resp.Status)
		fmt.Printf("body length: %d bytes\n", len(body))
	}
	fmt.Printf("response time: %s\n", elapsed)

	if *flagHash != "sha256" {
		fmt.Fprintf(os.Stderr, "warning: only sha256 is implemented, requested %q\n", *flagHash)
	}
	if *flagFwmark != 0 {
		fmt.Fprintf(os.Stderr, "warning: fwmark is accepted but not applied to the client socket in this build\n")
	}
	return nil
}
