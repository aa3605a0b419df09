// tlsproxy terminates TLS on the connection it receives as standard
// input and bridges the decrypted stream to a command.
//
// Usage:
//
//   tlsproxy -c <certfile> -k <keyfile> -e <command>
//
//   tlsproxy --help
//
// tlsproxy does not listen nor accept. It is meant to be started by a
// supervisor that passes the accepted connection as descriptor 0, e.g.
// inetd or a systemd socket unit with Accept=yes. The command is run
// using $SHELL -c, or `/usr/bin/env sh -c` when SHELL is not set.
//
// Logs are written on the standard error. So is the command's standard
// error, unless --child-stderr names a file. When the supervisor passes
// the connection as descriptor 2 as well, as inetd does, use
// --child-stderr, otherwise the command's diagnostics reach the client
// in plaintext.
//
// Examples:
//
//   tlsproxy -c server.pem -k server.key -e cat
//   tlsproxy --certfile server.pem --keyfile server.key --command 'exec /usr/sbin/smtpd -bs'
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/m-lab/go/rtx"
	"github.com/ooni/tlsproxy"
	"github.com/ooni/tlsproxy/handlers/logger"
	"github.com/ooni/tlsproxy/internal/connx"
	"github.com/ooni/tlsproxy/internal/errwrapper"
	"github.com/ooni/tlsproxy/internal/relay"
	"github.com/ooni/tlsproxy/model"
	"github.com/spf13/pflag"
)

type options struct {
	certfile    string
	childStderr string
	command     string
	help        bool
	keyfile     string
	pollTimeout time.Duration
	verbose     bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flags := pflag.NewFlagSet("tlsproxy", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVarP(&opts.certfile, "certfile", "c", "", "PEM encoded certificate file")
	flags.StringVarP(&opts.keyfile, "keyfile", "k", "", "PEM encoded private key file")
	flags.StringVarP(&opts.command, "command", "e", "", "Command to execute")
	flags.BoolVarP(&opts.help, "help", "h", false, "Print usage")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every event")
	flags.DurationVar(&opts.pollTimeout, "poll-timeout", 500*time.Millisecond,
		"How often to check whether the command exited")
	flags.StringVar(&opts.childStderr, "child-stderr", "",
		"Append the command's standard error to this file")
	return flags
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	err := mainWithArgs(context.Background(), os.Args[1:], os.Stdin, os.Stderr)
	rtx.Must(err, "tlsproxy failed")
}

func mainWithArgs(ctx context.Context, args []string, stdin *os.File, stderr io.Writer) error {
	var opts options
	flags := newFlagSet(&opts)
	flags.SetOutput(stderr)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if opts.help {
		usage(flags, stderr)
		return nil
	}
	if opts.verbose {
		log.SetLevel(log.DebugLevel)
	}
	conn, err := connx.FromFile(stdin)
	if err != nil {
		return errwrapper.SafeErrWrapperBuilder{
			Error:     err,
			Operation: "connection_handle",
		}.MaybeBuild()
	}
	childStderr, err := openChildStderr(opts.childStderr)
	if err != nil {
		conn.Close()
		return errwrapper.SafeErrWrapperBuilder{
			Error:     err,
			Operation: "child_stderr_open",
		}.MaybeBuild()
	}
	if childStderr != nil {
		defer childStderr.Close()
	}
	tlsproxy.Init()
	result, err := tlsproxy.Serve(ctx, conn, tlsproxy.Config{
		CertFile:    opts.certfile,
		KeyFile:     opts.keyfile,
		Command:     opts.command,
		ChildStderr: childStderr,
		Handler:     logger.NewHandler(log.Log),
		Relay:       relayConfig(opts),
	})
	if err != nil {
		var wrapper *model.ErrWrapper
		if errors.As(err, &wrapper) {
			log.WithFields(log.Fields{
				"failure":   wrapper.Failure,
				"operation": wrapper.Operation,
				"outcome":   wrapper.Outcome.String(),
			}).Error(errwrapper.Describe(wrapper.Outcome))
		}
		return err
	}
	log.WithFields(log.Fields{
		"exitCode": result.ExitCode,
		"exited":   result.Exited,
		"reason":   result.Relay.Reason,
	}).Info("connection done")
	return nil
}

// openChildStderr returns nil when path is empty, meaning that the
// command inherits our standard error.
func openChildStderr(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
}

func relayConfig(opts options) relay.Config {
	return relay.Config{PollTimeout: opts.pollTimeout}
}

// usage prints the recognized options, getopt style.
func usage(flags *pflag.FlagSet, w io.Writer) {
	var names []string
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Shorthand != "" {
			names = append(names, fmt.Sprintf("[--%s|-%s]", flag.Name, flag.Shorthand))
			return
		}
		names = append(names, fmt.Sprintf("[--%s]", flag.Name))
	})
	fmt.Fprintf(w, "Available options %s\n", strings.Join(names, " "))
}
