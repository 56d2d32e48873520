package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrUpstream is returned when the external transform service fails or
// responds with a non-success status.
var ErrUpstream = errors.New("transform upstream failure")

// Operation names the supported paid transforms.
type Operation string

const (
	OperationColorize      Operation = "colorize"
	OperationEnhanceFace   Operation = "enhance-face"
	OperationUpscale       Operation = "upscale"
	OperationGenerateScene Operation = "generate-scene"
)

// String returns the wire name of the operation.
func (operation Operation) String() string {
	return string(operation)
}

// Request carries one transform invocation: the input image plus the
// operation-specific parameters.
type Request struct {
	Operation Operation
	Image     []byte
	Scale     int    // upscale only
	Scene     string // generate-scene only
	Prompt    string // generate-scene only
}

// Transformer is the opaque external transform capability. Implementations
// are expected to be slow, unreliable, and non-transactional; callers own the
// compensation logic around them.
type Transformer interface {
	Transform(ctx context.Context, request Request) ([]byte, error)
}

// HTTPClient calls a transform vendor over HTTP, one endpoint per operation.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient wires an HTTPClient.
func NewHTTPClient(baseURL string, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("transform client: base url is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Transform posts the image to the operation's endpoint and returns the
// transformed bytes.
func (client *HTTPClient) Transform(ctx context.Context, request Request) ([]byte, error) {
	endpoint, err := client.endpointFor(request)
	if err != nil {
		return nil, err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(request.Image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	httpRequest.Header.Set("Content-Type", "application/octet-stream")
	if client.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	}
	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, response.StatusCode)
	}
	output, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrUpstream)
	}
	return output, nil
}

func (client *HTTPClient) endpointFor(request Request) (string, error) {
	query := url.Values{}
	switch request.Operation {
	case OperationColorize, OperationEnhanceFace:
	case OperationUpscale:
		query.Set("scale", strconv.Itoa(request.Scale))
	case OperationGenerateScene:
		if request.Scene != "" {
			query.Set("scene", request.Scene)
		}
		if request.Prompt != "" {
			query.Set("prompt", request.Prompt)
		}
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrUpstream, request.Operation)
	}
	endpoint := client.baseURL + "/v1/" + request.Operation.String()
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	return endpoint, nil
}
