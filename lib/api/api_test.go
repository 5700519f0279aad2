// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rollout/lib/barrier"
	"github.com/bureau-foundation/rollout/lib/codec"
	"github.com/bureau-foundation/rollout/lib/metrics"
	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
	"github.com/bureau-foundation/rollout/lib/registry"
	"github.com/bureau-foundation/rollout/lib/testutil"
)

type fixture struct {
	distributor *registry.Distributor
	client      *Client
	server      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New("test")
	distributor, err := registry.New(registry.Config{Store: registry.NewMemoryStore(), Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	events, err := barrier.OpenBadger(barrier.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { events.Close() })
	b, err := barrier.New(barrier.Config{Store: events, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(NewHandler(HandlerConfig{
		Packages: distributor,
		Events:   b,
		Metrics:  m,
		MaxWait:  50 * time.Millisecond,
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL+"/", server.Client())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{distributor: distributor, client: client, server: server}
}

// register encrypts a small archive for web-1 and returns the encrypted
// path and its checksum.
func (f *fixture) register(t *testing.T, packageUUID string) registry.Registration {
	t.Helper()
	plaintext := testutil.WriteFile(t, t.TempDir(), packageUUID+".tar.gz", "package bytes")
	registration, err := f.distributor.Register(context.Background(), "web", packageUUID, "web-1", plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return registration
}

func TestHandshakeOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registration := f.register(t, "pkg-1")

	key, err := f.client.Verify(ctx, "web-1", "pkg-1", registration.Checksum)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	decrypted := filepath.Join(t.TempDir(), "package.tar.gz")
	if err := pkgcrypt.DecryptFile(registration.EncryptedPath, decrypted, key); err != nil {
		t.Fatalf("released key does not decrypt the artifact: %v", err)
	}

	_, err = f.client.Verify(ctx, "web-1", "pkg-1", registration.Checksum)
	if !errors.Is(err, registry.ErrAlreadyVerified) {
		t.Errorf("second Verify = %v, want ErrAlreadyVerified", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusConflict {
		t.Errorf("second Verify error = %#v, want HTTP 409", err)
	}

	if err := f.client.ConfirmDecrypt(ctx, "web-1", "pkg-1"); err != nil {
		t.Fatalf("ConfirmDecrypt: %v", err)
	}
	if err := f.client.ConfirmDecrypt(ctx, "web-1", "pkg-1"); !errors.Is(err, registry.ErrAlreadyDecrypted) {
		t.Errorf("second ConfirmDecrypt = %v, want ErrAlreadyDecrypted", err)
	}

	status, err := f.client.Status(ctx, "web-1", "pkg-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Verified || !status.Decrypted || status.Checksum != registration.Checksum || status.Formula != "web" {
		t.Errorf("status = %+v", status)
	}
}

func TestHandshakeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "pkg-1")

	if _, err := f.client.Verify(ctx, "web-1", "pkg-1", "deadbeef"); !errors.Is(err, registry.ErrChecksumMismatch) {
		t.Errorf("Verify with wrong checksum = %v, want ErrChecksumMismatch", err)
	}
	if _, err := f.client.Verify(ctx, "web-2", "pkg-1", "deadbeef"); !errors.Is(err, registry.ErrNotRegistered) {
		t.Errorf("Verify for another host = %v, want ErrNotRegistered", err)
	}
	if err := f.client.ConfirmDecrypt(ctx, "web-1", "pkg-1"); !errors.Is(err, registry.ErrNotVerified) {
		t.Errorf("ConfirmDecrypt before Verify = %v, want ErrNotVerified", err)
	}
	if _, err := f.client.Status(ctx, "web-1", "missing"); !errors.Is(err, registry.ErrNotRegistered) {
		t.Errorf("Status of missing package = %v, want ErrNotRegistered", err)
	}
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	empty, err := codec.Marshal(VerifyRequest{})
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string][]byte{
		"garbage":        []byte("not cbor at all"),
		"empty checksum": empty,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			response, err := f.server.Client().Post(f.server.URL+"/v1/packages/web-1/pkg-1/verify", ContentType, bytes.NewReader(body))
			if err != nil {
				t.Fatal(err)
			}
			defer response.Body.Close()
			if response.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", response.StatusCode)
			}
			data, _ := io.ReadAll(response.Body)
			var envelope Response
			if err := codec.Unmarshal(data, &envelope); err != nil {
				t.Fatal(err)
			}
			if envelope.OK || envelope.Code != "bad_request" {
				t.Errorf("envelope = %+v", envelope)
			}
		})
	}
}

func TestEventsOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.client.SetEvent(ctx, "schema-ready", map[string]any{"primary": "db-1"}); err != nil {
		t.Fatalf("SetEvent: %v", err)
	}
	if err := f.client.SetEvent(ctx, "schema-ready", nil); !errors.Is(err, barrier.ErrEventExists) {
		t.Errorf("second SetEvent = %v, want ErrEventExists", err)
	}

	metadata, err := f.client.WaitEvent(ctx, "schema-ready", time.Second)
	if err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}
	if metadata["primary"] != "db-1" {
		t.Errorf("metadata = %v", metadata)
	}
}

func TestWaitEventSpansRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	go func() {
		time.Sleep(150 * time.Millisecond)
		f.client.SetEvent(ctx, "replica-synced", map[string]any{"lag": "0s"})
	}()

	// MaxWait is 50ms, so this wait outlives several server requests.
	metadata, err := f.client.WaitEvent(ctx, "replica-synced", 5*time.Second)
	if err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}
	if metadata["lag"] != "0s" {
		t.Errorf("metadata = %v", metadata)
	}
}

func TestWaitEventTimesOut(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	_, err := f.client.WaitEvent(context.Background(), "never", 120*time.Millisecond)
	if !errors.Is(err, barrier.ErrTimeout) {
		t.Fatalf("WaitEvent = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("WaitEvent returned after %v, before its timeout", elapsed)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	for path, want := range map[string]string{
		"/healthz": "ok",
		"/metrics": "test_",
	} {
		response, err := f.server.Client().Get(f.server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(response.Body)
		response.Body.Close()
		if response.StatusCode != http.StatusOK || !strings.Contains(string(data), want) {
			t.Errorf("GET %s = %d %q", path, response.StatusCode, data)
		}
	}
}

func TestRoutesForMissingComponents(t *testing.T) {
	server := httptest.NewServer(NewHandler(HandlerConfig{}))
	defer server.Close()
	response, err := server.Client().Get(server.URL + "/v1/events/x")
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", response.StatusCode)
	}
}

func TestNewClientRejectsEndpoint(t *testing.T) {
	for _, endpoint := range []string{"ftp://control", "control:8440", "://"} {
		if _, err := NewClient(endpoint, nil); err == nil {
			t.Errorf("NewClient(%q) succeeded", endpoint)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	server := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		Handler: NewHandler(HandlerConfig{}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
	case err := <-done:
		t.Fatalf("Serve returned before ready: %v", err)
	}
	response, err := http.Get("http://" + server.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d", response.StatusCode)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve did not return"); err != nil {
		t.Errorf("Serve = %v", err)
	}
}
