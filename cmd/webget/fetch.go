package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"asyncnet/scanner"
	"asyncnet/webclient"
)

var (
	includeHeaders bool
	extractBegin   string
	extractEnd     string

	postData    string
	postChunked bool
	chunkSize   int
	contentType string
)

func init() {
	getCmd.Flags().BoolVarP(&includeHeaders, "include", "i", false, "print status and response headers before the body")
	getCmd.Flags().StringVar(&extractBegin, "extract-begin", "", "only print regions starting with this token")
	getCmd.Flags().StringVar(&extractEnd, "extract-end", "", "token ending an extracted region")
	getCmd.MarkFlagsRequiredTogether("extract-begin", "extract-end")

	postCmd.Flags().StringVarP(&postData, "data", "d", "", "request body")
	postCmd.Flags().BoolVar(&postChunked, "chunked", false, "send the body with chunked transfer-encoding")
	postCmd.Flags().IntVar(&chunkSize, "chunk-size", 1024, "bytes per chunk with --chunked")
	postCmd.Flags().StringVarP(&contentType, "content-type", "t", "application/octet-stream", "request Content-Type")
	postCmd.Flags().BoolVarP(&includeHeaders, "include", "i", false, "print status and response headers before the body")

	uploadCmd.Flags().StringVarP(&contentType, "content-type", "t", "application/octet-stream", "request Content-Type")
	uploadCmd.Flags().BoolVarP(&includeHeaders, "include", "i", false, "print status and response headers before the body")

	rootCmd.AddCommand(getCmd, postCmd, uploadCmd)
}

var getCmd = &cobra.Command{
	Use:   "get URL...",
	Short: "Fetch one or more URLs concurrently and print the bodies in argument order",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAll(cmd.Context(), wc, cmd.OutOrStdout(), args)
	},
}

var postCmd = &cobra.Command{
	Use:   "post URL",
	Short: "POST a body to a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := bodyInput([]byte(postData), postChunked, chunkSize)
		return fetchOne(cmd.Context(), wc, cmd.OutOrStdout(), args[0], func(cb webclient.ResultFunc) (uint32, error) {
			return wc.Post(args[0], contentType, input, cb)
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload URL FILE",
	Short: "POST the contents of a file to a URL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchOne(cmd.Context(), wc, cmd.OutOrStdout(), args[0], func(cb webclient.ResultFunc) (uint32, error) {
			return wc.PostFile(args[0], contentType, args[1], cb)
		})
	},
}

type outcome struct {
	status int
	header webclient.Header
	err    error
}

// exchange starts a request and blocks until its terminal result. onBody sees every body piece.
// If ctx ends first the session is cancelled.
func exchange(ctx context.Context, c *webclient.Client, start func(webclient.ResultFunc) (uint32, error), onBody func([]byte)) (outcome, error) {
	done := make(chan outcome, 1)
	id, err := start(func(r *webclient.Result) {
		if len(r.Body) > 0 && onBody != nil {
			onBody(r.Body)
		}
		if r.Done {
			done <- outcome{status: r.Status, header: r.Header, err: r.Err}
		}
	})
	if err != nil {
		return outcome{}, err
	}

	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		if c.Cancel(id) {
			return outcome{}, ctx.Err()
		}
		// Already finishing; the terminal callback is on its way.
		return <-done, nil
	}
}

// bodyInput serves data in one piece, or in pieces of size n when chunked is set.
func bodyInput(data []byte, chunked bool, n int) webclient.InputFunc {
	if !chunked || n <= 0 {
		return func() ([]byte, bool) { return data, false }
	}
	first := true
	return func() ([]byte, bool) {
		piece := data[:min(n, len(data))]
		data = data[len(piece):]
		// The first piece must announce more data to select chunked framing.
		more := first || len(data) > 0
		first = false
		return piece, more
	}
}

func writeHead(out io.Writer, o outcome) {
	fmt.Fprintf(out, "%d\n", o.status)
	keys := make([]string, 0, len(o.header))
	for k := range o.header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %s\n", k, o.header[k])
	}
	fmt.Fprintln(out)
}

func report(url string, o outcome) error {
	if o.err != nil {
		return fmt.Errorf("%s: status %d: %w", url, o.status, o.err)
	}
	return nil
}

func fetchOne(ctx context.Context, c *webclient.Client, out io.Writer, url string, start func(webclient.ResultFunc) (uint32, error)) error {
	var body bytes.Buffer
	o, err := exchange(ctx, c, start, func(b []byte) { body.Write(b) })
	if err != nil {
		return fmt.Errorf("%s: %w", url, err)
	}
	if includeHeaders {
		writeHead(out, o)
	}
	out.Write(body.Bytes())
	return report(url, o)
}

// getAll fetches every URL concurrently. With extraction enabled only the matched regions
// are printed, one per line.
func getAll(ctx context.Context, c *webclient.Client, out io.Writer, urls []string) error {
	bodies := make([]bytes.Buffer, len(urls))
	outcomes := make([]outcome, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		g.Go(func() error {
			sink := func(b []byte) { bodies[i].Write(b) }
			if extractBegin != "" {
				sc := scanner.New([]byte(extractBegin), []byte(extractEnd), func(tok []byte) {
					bodies[i].Write(tok)
					bodies[i].WriteByte('\n')
				})
				sink = sc.Feed
			}
			o, err := exchange(gctx, c, func(cb webclient.ResultFunc) (uint32, error) {
				return c.Get(url, cb, nil)
			}, sink)
			if err != nil {
				return fmt.Errorf("%s: %w", url, err)
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed error
	for i, url := range urls {
		if includeHeaders {
			writeHead(out, outcomes[i])
		}
		out.Write(bodies[i].Bytes())
		if err := report(url, outcomes[i]); err != nil && failed == nil {
			failed = err
		}
	}
	return failed
}
