package cachekey

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey_StringAndPrefix(t *testing.T) {
	key := Key{Platform: "linux", Purpose: "datasets", Content: "abc123"}
	require.Equal(t, "linux-datasets-abc123", key.String())
	require.Equal(t, "linux-datasets-", key.Prefix())
}

// pktLine encodes one git pkt-line with its length header.
func pktLine(payload string) string {
	return fmt.Sprintf("%04x%s", len(payload)+4, payload)
}

func advertisement(head string) string {
	return pktLine("# service=git-upload-pack\n") +
		"0000" +
		pktLine(head+" HEAD\x00multi_ack symref=HEAD:refs/heads/master\n") +
		pktLine(head+" refs/heads/master\n") +
		"0000"
}

const testHash = "47c63fdae9bb2cd24a23a9d898a99201c5b871a7"

func newRefsServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/info/refs", r.URL.Path)
		require.Equal(t, "git-upload-pack", r.URL.Query().Get("service"))
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPResolver_Head(t *testing.T) {
	server := newRefsServer(t, advertisement(testHash), http.StatusOK)

	resolver := NewHTTPResolver(5 * time.Second)
	defer resolver.Close()

	head, err := resolver.Head(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, testHash, head)
}

func TestHTTPResolver_Deterministic(t *testing.T) {
	server := newRefsServer(t, advertisement(testHash), http.StatusOK)

	resolver := NewHTTPResolver(5 * time.Second)
	defer resolver.Close()

	first, err := resolver.Head(context.Background(), server.URL)
	require.NoError(t, err)
	second, err := resolver.Head(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestHTTPResolver_TrailingSlash(t *testing.T) {
	server := newRefsServer(t, advertisement(testHash), http.StatusOK)

	resolver := NewHTTPResolver(5 * time.Second)
	defer resolver.Close()

	head, err := resolver.Head(context.Background(), server.URL+"/")
	require.NoError(t, err)
	require.Equal(t, testHash, head)
}

func TestHTTPResolver_ErrorStatus(t *testing.T) {
	server := newRefsServer(t, "not found", http.StatusNotFound)

	resolver := NewHTTPResolver(5 * time.Second)
	defer resolver.Close()

	_, err := resolver.Head(context.Background(), server.URL)
	require.Error(t, err)
	var lookupErr *RemoteLookupError
	require.ErrorAs(t, err, &lookupErr)
	require.Contains(t, lookupErr.URL, server.URL)
}

func TestHTTPResolver_UnreachableRemote(t *testing.T) {
	resolver := NewHTTPResolver(time.Second)
	defer resolver.Close()

	_, err := resolver.Head(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
	var lookupErr *RemoteLookupError
	require.ErrorAs(t, err, &lookupErr)
}

func TestParseAdvertisedHead_NoRefs(t *testing.T) {
	body := pktLine("# service=git-upload-pack\n") + "0000" + "0000"
	_, err := parseAdvertisedHead(body)
	require.Error(t, err)
}

func TestParseAdvertisedHead_FallsBackToFirstRef(t *testing.T) {
	body := pktLine(testHash+" refs/heads/master\n") + "0000"
	head, err := parseAdvertisedHead(body)
	require.NoError(t, err)
	require.Equal(t, testHash, head)
}
