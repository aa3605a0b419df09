package tlsproxy_test

import (
	"context"
	"log"
	"net"
	"os"

	"github.com/ooni/tlsproxy"
	"github.com/ooni/tlsproxy/handlers"
)

func Example() {
	conn, err := net.FileConn(os.Stdin)
	if err != nil {
		log.Fatal(err)
	}
	result, err := tlsproxy.Serve(context.Background(), conn, tlsproxy.Config{
		CertFile: "server.pem",
		KeyFile:  "server.key",
		Command:  "cat",
		Handler:  handlers.StderrHandler,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%s %d", result.Relay.Reason, result.ExitCode)
}
