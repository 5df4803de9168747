// Command kadnode runs a single DHT node: the Kademlia core bound to a
// udp socket, plus the NAT-traversal proxy layer on the same
// transport. Grounded on the teacher's cmd/emo daemon subcommand shape
// (flag.NewFlagSet + signal-driven shutdown), adapted from a single
// "daemon" action to this repo's single-purpose binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/kadmesh/overlay/internal/kad"
	"github.com/kadmesh/overlay/internal/kadid"
	"github.com/kadmesh/overlay/internal/natdetect"
	"github.com/kadmesh/overlay/internal/proxy"
)

func main() {
	listenAddress := flag.String("listen", ":6881", "udp address to bind")
	bootstrap := flag.String("bootstrap", "", "host:port of an existing node to join")
	natState := flag.String("nat-state", "undefined", "initial NAT classification: global, cone, nat, symmetric, undefined")
	logging := flag.Bool("debug", false, "enable debug protocol logging")
	asProxyServer := flag.Bool("proxy-server", false, "skip registering with a proxy server when direct operations are refused (the node always accepts registrations from NAT-bound clients)")
	flag.Parse()

	state, err := parseNATState(*natState)
	if err != nil {
		log.Fatalf("kadnode: %v", err)
	}

	e, err := kad.New(
		kad.WithListenAddress(*listenAddress),
		kad.WithLogging(*logging),
		kad.WithNATState(state),
	)
	if err != nil {
		log.Fatalf("kadnode: failed to start: %v", err)
	}

	node := proxy.New(e)

	log.Printf("kadnode started on %s, id=%s\n", *listenAddress, e.LocalID())

	if *bootstrap != "" {
		if err := joinBootstrap(e, *bootstrap); err != nil {
			log.Printf("kadnode: bootstrap join failed: %v", err)
		}
	}

	if !*asProxyServer && !state.DirectAllowed() {
		ctx, cancel := context.WithTimeout(context.Background(), kad.ProxyRegisterTimeout)
		if err := node.Register(ctx); err != nil {
			log.Printf("kadnode: proxy registration failed: %v", err)
		} else {
			log.Printf("kadnode: registered with proxy server\n")
		}
		cancel()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c

	log.Println("kadnode shutting down...")
	if err := e.Close(); err != nil {
		log.Printf("kadnode: close: %v", err)
	}
	log.Println("kadnode stopped.")
}

func joinBootstrap(e *kad.Engine, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid bootstrap port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return fmt.Errorf("resolve bootstrap host %q: %w", host, err)
		}
		ip = resolved.IP
	}

	ctx, cancel := context.WithTimeout(context.Background(), kad.QueryTimeout)
	defer cancel()
	return e.Join(ctx, kadid.Contact{IP: ip, Port: uint16(port)})
}

func parseNATState(s string) (natdetect.State, error) {
	switch s {
	case "global":
		return natdetect.Global, nil
	case "cone":
		return natdetect.Cone, nil
	case "nat":
		return natdetect.NAT, nil
	case "symmetric":
		return natdetect.Symmetric, nil
	case "undefined", "":
		return natdetect.Undefined, nil
	default:
		return natdetect.Undefined, fmt.Errorf("unknown nat-state %q", s)
	}
}

