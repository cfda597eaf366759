package cachekey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"
)

// RemoteLookupError indicates the corpus's content identifier could not be
// resolved: the remote was unreachable or advertised no references.
type RemoteLookupError struct {
	URL string
	Err error
}

func (e *RemoteLookupError) Error() string {
	return fmt.Sprintf("remote lookup against %s failed: %v", e.URL, e.Err)
}

func (e *RemoteLookupError) Unwrap() error { return e.Err }

// Resolver answers "what is your current head commit" for a corpus
// repository URL.
type Resolver interface {
	// Head returns the corpus's current content identifier. The identifier
	// is opaque and must be used verbatim by callers. Failures are
	// *RemoteLookupError. Head performs no retries; retry policy belongs to
	// the caller.
	Head(ctx context.Context, corpusURL string) (string, error)
}

// HTTPResolver resolves the head reference of a git repository over the
// smart HTTP protocol, without materializing a checkout.
type HTTPResolver struct {
	client *resty.Client
}

// NewHTTPResolver creates a resolver whose remote calls are bounded by the
// given timeout.
func NewHTTPResolver(timeout time.Duration) *HTTPResolver {
	client := resty.New().SetTimeout(timeout)
	return &HTTPResolver{client: client}
}

// Close releases the underlying HTTP client.
func (r *HTTPResolver) Close() error {
	return r.client.Close()
}

// Head implements Resolver by querying <url>/info/refs?service=git-upload-pack
// and returning the commit hash advertised for HEAD, falling back to the
// first advertised reference.
func (r *HTTPResolver) Head(ctx context.Context, corpusURL string) (string, error) {
	refsURL := strings.TrimSuffix(corpusURL, "/") + "/info/refs?service=git-upload-pack"

	res, err := r.client.R().SetContext(ctx).Get(refsURL)
	if err != nil {
		return "", &RemoteLookupError{URL: corpusURL, Err: err}
	}
	if res.IsError() {
		return "", &RemoteLookupError{URL: corpusURL, Err: fmt.Errorf("unexpected status %s", res.Status())}
	}

	head, err := parseAdvertisedHead(res.String())
	if err != nil {
		return "", &RemoteLookupError{URL: corpusURL, Err: err}
	}
	return head, nil
}

// parseAdvertisedHead extracts the HEAD commit from a pkt-line formatted
// ref advertisement.
func parseAdvertisedHead(body string) (string, error) {
	var first string
	for _, line := range pktLines(body) {
		if strings.HasPrefix(line, "#") {
			continue
		}
		// Capability list follows a NUL on the first ref line.
		if i := strings.IndexByte(line, 0); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) < 40 {
			continue
		}
		if fields[1] == "HEAD" {
			return fields[0], nil
		}
		if first == "" {
			first = fields[0]
		}
	}
	if first == "" {
		return "", fmt.Errorf("no references advertised")
	}
	return first, nil
}

// pktLines splits a git pkt-line stream into payload lines. Each pkt-line
// starts with a 4-digit hex length covering itself; "0000" is a flush packet.
func pktLines(body string) []string {
	var lines []string
	for len(body) >= 4 {
		var n int
		if _, err := fmt.Sscanf(body[:4], "%04x", &n); err != nil {
			break
		}
		if n == 0 {
			body = body[4:]
			continue
		}
		if n < 4 || n > len(body) {
			break
		}
		lines = append(lines, strings.TrimSuffix(body[4:n], "\n"))
		body = body[n:]
	}
	return lines
}
