package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/h2proxy/backend-session/backend"
)

// A tiny demonstrator: dial one backend.Session against a real HTTP/2
// origin, submit a single GET, print the response, and exit. No pooling,
// no proxy-wide request routing - those live one layer up, outside the
// session core (spec.md §1's "managing a pool ... is an external
// collaborator's concern").
func main() {
	addr := flag.String("addr", "localhost:8443", "origin host:port")
	path := flag.String("path", "/", "request path")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline for the demo request")
	flag.Parse()

	cfg := backend.DefaultConfig()
	cfg.Addrs = []string{*addr}
	cfg.TLS.Required = true
	cfg.TLS.InsecureSkipVerify = *insecure

	sess := backend.NewSession(cfg)
	sess.Run()
	defer sess.Close()

	if err := sess.Initiate(); err != nil {
		log.Fatalf("initiate: %v", err)
	}

	dc := newDemoDownstream(*path)
	if err := sess.SubmitRequest(dc, backend.Priority{}, http.MethodGet, *addr, *path, "https", nil, nil); err != nil {
		log.Fatalf("submit request: %v", err)
	}

	select {
	case <-dc.done:
		if dc.err != nil {
			log.Fatalf("request failed: %v", dc.err)
		}
		log.Printf("status=%d bytes=%d", dc.status, len(dc.body))
	case <-time.After(*timeout):
		log.Fatalf("timed out after %s waiting for a response", *timeout)
	}
}
