package main

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/ryandielhenn/zephyrkv/pkg/node"
)

func main() {
	addr := pflag.StringP("addr", "a", "http://localhost:8080", "client API address")
	n := pflag.IntP("requests", "n", 5000, "requests")
	conc := pflag.IntP("concurrency", "c", 32, "concurrency")
	valSize := pflag.Int("val", 128, "value size bytes")
	tables := pflag.Int("tables", 64, "distinct tables to spread keys over")
	pflag.Parse()

	base := "http://" + node.NormalizeHostPort(*addr, "8080")
	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)
	var failed atomic.Int64

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			url := fmt.Sprintf("%s/kv/t%d/k%d", base, i%*tables, i)
			payload := bytes.Repeat([]byte{byte('a' + rand.IntN(26))}, *valSize)
			req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(payload))
			if !drain(client.Do(req)) {
				failed.Add(1)
			}
			if !drain(client.Get(url)) {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s), %d failed\n", *n*2, dur, float64(*n*2)/dur.Seconds(), failed.Load())
	if failed.Load() > 0 {
		os.Exit(1)
	}
}

func drain(resp *http.Response, err error) bool {
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 300
}
