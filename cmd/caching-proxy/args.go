package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/always-cache/caching-proxy/origin"
)

const usage = `Usage:
  caching-proxy --port <number> --origin <url>
  caching-proxy --clear-cache
`

var errUsage = errors.New("invalid arguments")

type invocation struct {
	clearCache bool
	port       int
	origin     origin.Target
}

// parseArgs accepts exactly one of the two invocation forms,
// anything else is a usage error.
func parseArgs(args []string, output io.Writer) (invocation, error) {
	var (
		inv            invocation
		clearCacheFlag bool
		portFlag       string
		originFlag     string
	)
	flags := flag.NewFlagSet("caching-proxy", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.Usage = func() { fmt.Fprint(output, usage) }
	flags.BoolVar(&clearCacheFlag, "clear-cache", false, "Clear the cache and exit")
	flags.StringVar(&portFlag, "port", "", "Port to listen on")
	flags.StringVar(&originFlag, "origin", "", "Origin URL to forward requests to")
	if err := flags.Parse(args); err != nil {
		return inv, errUsage
	}
	if flags.NArg() > 0 {
		return inv, errors.Wrapf(errUsage, "unexpected argument %q", flags.Arg(0))
	}

	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if clearCacheFlag || set["clear-cache"] {
		if !clearCacheFlag || set["port"] || set["origin"] {
			return inv, errors.Wrap(errUsage, "--clear-cache takes no other arguments")
		}
		inv.clearCache = true
		return inv, nil
	}

	if !set["port"] || !set["origin"] {
		return inv, errors.Wrap(errUsage, "both --port and --origin are required")
	}
	port, err := strconv.Atoi(portFlag)
	if err != nil || port < 0 || port > 65535 {
		return inv, errors.Wrapf(errUsage, "invalid port %q", portFlag)
	}
	target, err := origin.ParseTarget(originFlag)
	if err != nil {
		return inv, errors.Wrap(errUsage, err.Error())
	}
	inv.port = port
	inv.origin = target
	return inv, nil
}
