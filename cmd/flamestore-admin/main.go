// flamestore-admin is a small operations tool: it discovers the master
// through a workspace and issues reload or shutdown requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/pkg/client"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [flags] <command> [args]

commands:
  reload <name>          print a model's config
  duplicate <name> <new> copy a model under a new name
  shutdown               drain the workers and stop the master
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	workspace := flag.String("workspace", ".", "workspace the master published itself under")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	c, err := client.Connect(*workspace, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "reload":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		st, err := c.Reload(ctx, args[1])
		exitOn(err)
		if !st.IsOK() {
			fmt.Fprintln(os.Stderr, st)
			os.Exit(1)
		}
		fmt.Println(st.Message)
	case "duplicate":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		st, err := c.Duplicate(ctx, args[1], args[2])
		exitOn(err)
		if !st.IsOK() {
			fmt.Fprintln(os.Stderr, st)
			os.Exit(1)
		}
	case "shutdown":
		st, err := c.Shutdown(ctx)
		exitOn(err)
		if !st.IsOK() {
			fmt.Fprintln(os.Stderr, st)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
