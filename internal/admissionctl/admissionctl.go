// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package admissionctl implements the admissionctl command line
// tool, used to observe the admission decisions of a running server.
package admissionctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.gearno.de/admission/admission"
	"go.gearno.de/admission/httpclient"
	"go.gearno.de/admission/log"
	"golang.org/x/time/rate"
)

type (
	// ProbeOptions describes a probe run.
	ProbeOptions struct {
		URL      string
		Method   string
		Requests int
		Interval time.Duration
		User     string
		Role     string
	}

	// Attempt is the outcome of one probe request.
	Attempt struct {
		N          int    `json:"n"`
		Status     int    `json:"status"`
		Limit      string `json:"limit,omitempty"`
		Remaining  string `json:"remaining,omitempty"`
		Reset      string `json:"reset,omitempty"`
		RetryAfter string `json:"retry_after,omitempty"`
		Code       string `json:"code,omitempty"`
	}

	// Report aggregates a probe run.
	Report struct {
		URL      string    `json:"url"`
		Attempts []Attempt `json:"attempts"`
		Admitted int       `json:"admitted"`
		Rejected int       `json:"rejected"`
		Failed   int       `json:"failed"`
	}
)

const (
	headerAuthenticatedUser = "X-Authenticated-User"
	headerAuthenticatedRole = "X-Authenticated-Role"
)

// NewRootCmd returns the admissionctl command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "admissionctl",
		Short:        "Inspect admission decisions of a running server",
		SilenceUsage: true,
	}

	root.AddCommand(newProbeCmd())

	return root
}

func newProbeCmd() *cobra.Command {
	var (
		opts       ProbeOptions
		timeout    time.Duration
		outputJSON bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a burst of requests and print the admission headers",
		Example: `  admissionctl probe --url http://localhost:8080/api/tasks --requests 6
  admissionctl probe --url http://localhost:8080/api/auth/login --method POST --interval 2s
  admissionctl probe --url http://localhost:8080/api/tasks --user alice --role admin --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewLogger(log.WithOutput(io.Discard))
			if verbose {
				logger = log.NewLogger(log.WithOutput(cmd.ErrOrStderr()), log.WithFormat(log.FormatPretty))
			}

			client := httpclient.DefaultPooledClient(
				httpclient.WithLogger(logger),
				httpclient.WithRegisterer(prometheus.NewRegistry()),
				httpclient.WithTimeout(timeout),
			)

			report, err := Probe(cmd.Context(), client, opts)
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "http://localhost:8080/api/tasks", "target URL")
	cmd.Flags().StringVar(&opts.Method, "method", http.MethodGet, "HTTP method")
	cmd.Flags().IntVar(&opts.Requests, "requests", 6, "number of requests to send")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "delay between two requests")
	cmd.Flags().StringVar(&opts.User, "user", "", "authenticated user forwarded to the server")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role of the authenticated user")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per request timeout")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output the report as JSON")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every request on stderr")

	return cmd
}

// Probe sends opts.Requests requests to opts.URL sequentially. Network
// errors are counted as failed attempts; only an invalid request or a
// cancelled ctx stops the run.
func Probe(ctx context.Context, client *http.Client, opts ProbeOptions) (*Report, error) {
	if opts.Requests < 1 {
		return nil, fmt.Errorf("requests must be at least 1, got %d", opts.Requests)
	}

	var (
		report = &Report{URL: opts.URL}
		pace   = rate.NewLimiter(rate.Inf, 1)
	)

	if opts.Interval > 0 {
		pace = rate.NewLimiter(rate.Every(opts.Interval), 1)
	}

	for i := range opts.Requests {
		if err := pace.Wait(ctx); err != nil {
			return report, err
		}

		req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("cannot create request: %w", err)
		}

		if opts.User != "" {
			req.Header.Set(headerAuthenticatedUser, opts.User)
			if opts.Role != "" {
				req.Header.Set(headerAuthenticatedRole, opts.Role)
			}
		}

		attempt := Attempt{N: i + 1}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			report.Failed++
			report.Attempts = append(report.Attempts, attempt)
			continue
		}

		attempt.Status = resp.StatusCode
		attempt.Limit = resp.Header.Get(admission.HeaderLimit)
		attempt.Remaining = resp.Header.Get(admission.HeaderRemaining)
		attempt.Reset = resp.Header.Get(admission.HeaderReset)
		attempt.RetryAfter = resp.Header.Get(admission.HeaderRetryAfter)

		if resp.StatusCode == http.StatusTooManyRequests {
			var body admission.RejectionResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
				attempt.Code = body.Code
			}

			report.Rejected++
		} else {
			report.Admitted++
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		report.Attempts = append(report.Attempts, attempt)
	}

	return report, nil
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "=== %s ===\n", r.URL)

	for _, a := range r.Attempts {
		if a.Status == 0 {
			fmt.Fprintf(w, "  #%03d [FAIL ]\n", a.N)
			continue
		}

		status := "ALLOW"
		if a.Status == http.StatusTooManyRequests {
			status = "DENY "
		}

		line := fmt.Sprintf("  #%03d [%s] status=%d remaining=%s/%s reset=%s", a.N, status, a.Status, a.Remaining, a.Limit, formatReset(a.Reset))
		if a.RetryAfter != "" {
			line += " retry-after=" + a.RetryAfter + "s"
		}

		fmt.Fprintln(w, line)
	}

	fmt.Fprintf(w, "\n%d admitted, %d rejected, %d failed\n", r.Admitted, r.Rejected, r.Failed)
}

func formatReset(s string) string {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return s
	}

	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}
