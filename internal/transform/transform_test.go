package transform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTransformPostsImageAndReturnsOutput(test *testing.T) {
	test.Parallel()
	var gotPath string
	var gotQuery string
	var gotAuthorization string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gotPath = request.URL.Path
		gotQuery = request.URL.RawQuery
		gotAuthorization = request.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(request.Body)
		_, _ = writer.Write([]byte("transformed bytes"))
	}))
	test.Cleanup(upstream.Close)

	client, err := NewHTTPClient(upstream.URL, "vendor-key", 5*time.Second)
	if err != nil {
		test.Fatalf("client init: %v", err)
	}

	output, err := client.Transform(context.Background(), Request{
		Operation: OperationUpscale,
		Image:     []byte("input bytes"),
		Scale:     4,
	})
	if err != nil {
		test.Fatalf("transform: %v", err)
	}
	if string(output) != "transformed bytes" {
		test.Fatalf("unexpected output %q", output)
	}
	if gotPath != "/v1/upscale" {
		test.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery != "scale=4" {
		test.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAuthorization != "Bearer vendor-key" {
		test.Fatalf("unexpected authorization %q", gotAuthorization)
	}
	if string(gotBody) != "input bytes" {
		test.Fatalf("unexpected body %q", gotBody)
	}
}

func TestTransformGenerateSceneParams(test *testing.T) {
	test.Parallel()
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gotQuery = request.URL.RawQuery
		_, _ = writer.Write([]byte("ok"))
	}))
	test.Cleanup(upstream.Close)

	client, err := NewHTTPClient(upstream.URL, "", 5*time.Second)
	if err != nil {
		test.Fatalf("client init: %v", err)
	}
	if _, err := client.Transform(context.Background(), Request{
		Operation: OperationGenerateScene,
		Image:     []byte("x"),
		Scene:     "beach",
	}); err != nil {
		test.Fatalf("transform: %v", err)
	}
	if gotQuery != "scene=beach" {
		test.Fatalf("unexpected query %q", gotQuery)
	}
}

func TestTransformUpstreamStatusError(test *testing.T) {
	test.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "model overloaded", http.StatusServiceUnavailable)
	}))
	test.Cleanup(upstream.Close)

	client, err := NewHTTPClient(upstream.URL, "", 5*time.Second)
	if err != nil {
		test.Fatalf("client init: %v", err)
	}
	if _, err := client.Transform(context.Background(), Request{Operation: OperationColorize, Image: []byte("x")}); !errors.Is(err, ErrUpstream) {
		test.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestTransformEmptyResponse(test *testing.T) {
	test.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
	}))
	test.Cleanup(upstream.Close)

	client, err := NewHTTPClient(upstream.URL, "", 5*time.Second)
	if err != nil {
		test.Fatalf("client init: %v", err)
	}
	if _, err := client.Transform(context.Background(), Request{Operation: OperationColorize, Image: []byte("x")}); !errors.Is(err, ErrUpstream) {
		test.Fatalf("expected ErrUpstream for empty body, got %v", err)
	}
}

func TestTransformUnknownOperation(test *testing.T) {
	test.Parallel()
	client, err := NewHTTPClient("http://localhost:0", "", time.Second)
	if err != nil {
		test.Fatalf("client init: %v", err)
	}
	if _, err := client.Transform(context.Background(), Request{Operation: Operation("rotate"), Image: []byte("x")}); !errors.Is(err, ErrUpstream) {
		test.Fatalf("expected ErrUpstream for unknown operation, got %v", err)
	}
}
