// segvaultctl is the operator client for a running segvault. It talks to the
// internal HTTP API to read, list, archive, redact and purge segments and to
// inspect accounting.
//
//	segvaultctl get <key> [--range bytes=0-99] [--out file]
//	segvaultctl list [--prefix 42/] [--limit 100] [--offset 0]
//	segvaultctl archive <key>
//	segvaultctl redact <key>
//	segvaultctl purge [--limit 100]
//	segvaultctl accounting [--tenant 42] [--token t]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

const defaultAddr = "http://127.0.0.1:8080"

var errUsage = errors.New("usage: segvaultctl [flags] get|list|archive|redact|purge|accounting [key]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		addr   string
		rng    string
		out    string
		prefix string
		tenant string
		token  string
		limit  int
		offset int
	)
	fs := pflag.NewFlagSet("segvaultctl", pflag.ContinueOnError)
	fs.StringVar(&addr, "addr", envOr("SEGVAULT_CTL_ADDR", defaultAddr), "base URL of the segvault HTTP API")
	fs.StringVar(&rng, "range", "", "Range header for get, e.g. bytes=0-99")
	fs.StringVarP(&out, "out", "o", "", "write get output to this file instead of stdout")
	fs.StringVar(&prefix, "prefix", "", "key prefix for list")
	fs.IntVar(&limit, "limit", 100, "maximum rows for list and purge")
	fs.IntVar(&offset, "offset", 0, "rows to skip for list")
	fs.StringVar(&tenant, "tenant", "", "tenant id for accounting")
	fs.StringVar(&token, "token", os.Getenv("SEGVAULT_METRICS_TOKEN"), "bearer token for accounting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}
	c := &client{base: addr}
	cmd, rest := rest[0], rest[1:]
	switch cmd {
	case "get":
		key, err := oneKey(rest)
		if err != nil {
			return err
		}
		data, err := c.get(ctx, key, rng)
		if err != nil {
			return err
		}
		if out != "" {
			return os.WriteFile(out, data, 0o600)
		}
		_, err = stdout.Write(data)
		return err
	case "list":
		views, err := c.list(ctx, prefix, limit, offset)
		if err != nil {
			return err
		}
		return printViews(stdout, views)
	case "archive", "redact":
		key, err := oneKey(rest)
		if err != nil {
			return err
		}
		if err := c.action(ctx, key, cmd); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %s\n", cmd, key)
		return nil
	case "purge":
		n, err := c.purge(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "zeroed %d rows\n", n)
		return nil
	case "accounting":
		raw, err := c.accounting(ctx, tenant, token)
		if err != nil {
			return err
		}
		var pretty any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			return fmt.Errorf("decode accounting: %w", err)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func oneKey(args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", errUsage
	}
	return args[0], nil
}

func printViews(w io.Writer, views []segmentView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tBLOB\tSTART\tEND\tLEN\tENCRYPTED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", v.Key, v.Filename, v.Start, v.End, v.Length, strconv.FormatBool(v.Encrypted))
	}
	return tw.Flush()
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
