// Backend is a simple test origin server used for proxy testing. It echoes
// the X-Request-Id header it receives, tags every response with its own
// identity, and can delay responses to exercise pipelining and timeouts.
//
// Usage:
//
//	go run ./scripts/backend -port 8081
//	go run ./scripts/backend -port 8082 -delay 200ms
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 8081, "listen port")
	delay := flag.Duration("delay", 0, "artificial response delay")
	flag.Parse()

	id := fmt.Sprintf("backend-%d", *port)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *delay > 0 {
			time.Sleep(*delay)
		}

		io.Copy(io.Discard, r.Body)

		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		w.Header().Set("X-Backend-Id", id)
		fmt.Fprintf(w, "%s served %s %s\n", id, r.Method, r.URL.Path)

		log.Printf("%s %s token=%s", r.Method, r.URL.Path, r.Header.Get("X-Request-Id"))
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (delay=%s)", id, addr, *delay)
	log.Fatal(http.ListenAndServe(addr, mux))
}
