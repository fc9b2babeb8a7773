// Command healthcheck is a minimal probe used as Docker's HEALTHCHECK CMD.
// Given host:port it exits 0 when a TCP connection can be opened. Given an
// http:// URL (the admin /healthz endpoint) it exits 0 on a 2xx/3xx status.
//
// Usage:
//
//	healthcheck <host:port | url>
//
// Example (in Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/healthcheck", "localhost:8080"]
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

const timeout = 3 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: healthcheck <host:port | url>")
		os.Exit(1)
	}
	if err := probe(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		os.Exit(1)
	}
}

func probe(target string) error {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return probeHTTP(target)
	}
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func probeHTTP(url string) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return nil
}
