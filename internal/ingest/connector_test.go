package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/types"
)

func TestPullDecodesDocumentArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"sku":"A"},{"sku":"B"}]`)
	}))
	defer srv.Close()

	c := NewConnector(5*time.Second, 1<<20)
	docs, err := c.Pull(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestPullBearerAuthFromEnv(t *testing.T) {
	t.Setenv("KGRAPH_TEST_TOKEN", "s3cret")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := NewConnector(5*time.Second, 1<<20)
	_, err := c.Pull(context.Background(), srv.URL, "env:KGRAPH_TEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
}

func TestPullCustomHeaderFromEnv(t *testing.T) {
	t.Setenv("KGRAPH_TEST_KEY", "abc123")

	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := NewConnector(5*time.Second, 1<<20)
	_, err := c.Pull(context.Background(), srv.URL, "header:X-Api-Key=env:KGRAPH_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "abc123", gotKey)
}

func TestPullUnsetAuthEnvFails(t *testing.T) {
	c := NewConnector(5*time.Second, 1<<20)
	_, err := c.Pull(context.Background(), "http://unused", "env:KGRAPH_TEST_DEFINITELY_UNSET")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConnectorUnavailable))
}

func TestPullPayloadCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"blob":"%s"}]`, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	c := NewConnector(5*time.Second, 1024)
	_, err := c.Pull(context.Background(), srv.URL, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConnectorResponseTooLarge))
}

func TestPullRejectsNonArrayBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"an array"}`)
	}))
	defer srv.Close()

	c := NewConnector(5*time.Second, 1<<20)
	_, err := c.Pull(context.Background(), srv.URL, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConnectorMalformed))
}

func TestValidateAuthRef(t *testing.T) {
	assert.NoError(t, ValidateAuthRef(""))
	assert.NoError(t, ValidateAuthRef("env:TOKEN"))
	assert.NoError(t, ValidateAuthRef("header:X-Api-Key=env:KEY"))

	for _, bad := range []string{"env:", "header:", "header:Name", "header:Name=KEY", "bearer xyz"} {
		assert.Error(t, ValidateAuthRef(bad), "authRef %q", bad)
	}
}
