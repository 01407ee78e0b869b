package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaydesk/relaydesk/agent"
	"github.com/relaydesk/relaydesk/rderrors"
)

func TestRunVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-version"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("exit = %d, stderr = %q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "relaydesk-agent") {
		t.Fatalf("version output = %q", stdout.String())
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("RELAYDESK_TUNNEL_WS_URL", "")
	t.Setenv("RELAYDESK_LOCAL_ORIGIN_URL", "")
	t.Setenv("RELAYDESK_TOKEN", "")

	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != exitConfig {
		t.Fatalf("exit = %d, want %d", code, exitConfig)
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{context.Canceled, exitOK},
		{rderrors.New(rderrors.CodeTokenInvalid, "bad token"), exitAuth},
		{rderrors.New(rderrors.CodeForbidden, "nope"), exitAuth},
		{rderrors.New(rderrors.CodeConfigurationError, "bad"), exitConfig},
		{fmt.Errorf("%w after 10 attempts", agent.ErrAttemptsExhausted), exitExhausted},
		{rderrors.New(rderrors.CodeSessionLimit, "cap"), exitRuntime},
		{errors.New("boom"), exitRuntime},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  tok-1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	src := &fileTokenSource{path: path}
	tok, err := src.Token(context.Background())
	if err != nil || tok != "tok-1" {
		t.Fatalf("token = %q err = %v", tok, err)
	}

	// Cached until invalidated.
	if err := os.WriteFile(path, []byte("tok-2"), 0o600); err != nil {
		t.Fatal(err)
	}
	tok, _ = src.Token(context.Background())
	if tok != "tok-1" {
		t.Fatalf("cache bypassed: %q", tok)
	}

	src.Invalidate()
	tok, _ = src.Token(context.Background())
	if tok != "tok-2" {
		t.Fatalf("after invalidate = %q, want tok-2", tok)
	}
}

func TestFileTokenSourceErrors(t *testing.T) {
	src := &fileTokenSource{path: filepath.Join(t.TempDir(), "missing")}
	_, err := src.Token(context.Background())
	if rderrors.CodeOf(err) != rderrors.CodeTokenMissing {
		t.Fatalf("missing file: %v", err)
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src = &fileTokenSource{path: empty}
	_, err = src.Token(context.Background())
	if rderrors.CodeOf(err) != rderrors.CodeTokenMissing {
		t.Fatalf("empty file: %v", err)
	}
}
