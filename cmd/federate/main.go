// Command federate renders one federated component the way a host page
// would and writes the HTML to stdout.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"fedssr/internal/federate"
	"fedssr/internal/renderer"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		remoteURL = flag.String("remote-url", "http://127.0.0.1:3001", "base URL; the request goes to <url>/prerender, so http://cache-manager/3001 routes through the cache")
		remote    = flag.String("remote", "", "remote name, sent as the remote-name header")
		module    = flag.String("module", "", "exposed module to render")
		propsJSON = flag.String("props", "{}", "module props as a JSON object")
		children  = flag.String("children", "", "text rendered in place of the children placeholder")
		language  = flag.String("language", "en-GB", "content language")
		timeout   = flag.Duration("timeout", 30*time.Second, "renderer request timeout")
		state     = flag.Bool("state", false, "also print the combined hydration state")
	)
	flag.Parse()

	if *module == "" {
		log.Fatalf("-module is required")
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(*propsJSON), &props); err != nil {
		log.Fatalf("-props: %v", err)
	}

	reg := federate.NewRegistry(federate.RegistryOptions{
		Client:   renderer.NewClient(*timeout),
		Language: *language,
	})

	var kids []federate.Node
	if *children != "" {
		kids = append(kids, federate.Text(*children))
	}
	node, err := reg.Component(*remote, *module, props, *remoteURL, kids...)
	if err != nil {
		log.Fatalf("component: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var buf bytes.Buffer
	if err := federate.Render(ctx, &buf, node); err != nil {
		log.Fatalf("render %s/%s: %v", *remote, *module, err)
	}
	fmt.Println(buf.String())

	if *state {
		merged, err := federate.CombineStates(nil, bytes.NewReader(buf.Bytes()))
		if err != nil {
			log.Printf("combine states: %v", err)
		}
		out, err := json.Marshal(merged)
		if err != nil {
			log.Fatalf("encode state: %v", err)
		}
		fmt.Println(string(out))
	}
}
