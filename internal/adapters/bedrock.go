package adapters

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/relayr/modelgate/internal/config"
	"github.com/relayr/modelgate/internal/events"
	"github.com/relayr/modelgate/internal/router"
)

// BedrockAdapter handles AWS Bedrock endpoints serving Anthropic models.
// Bedrock with Claude uses the same Messages API body as direct Anthropic,
// so this adapter delegates request building and event parsing to
// AnthropicAdapter. The differences:
//
//   - Authentication: AWS SigV4 via a signing transport instead of x-api-key
//   - URL pattern: /model/{modelId}/invoke-with-response-stream
//   - Body: model moves to the URL, anthropic_version replaces stream/model
//
// The endpoint is expected to emit SSE framing (a Bedrock-fronting gateway
// or proxy); credentials come from the standard AWS chain.
type BedrockAdapter struct {
	BaseAdapter
	anthropic *AnthropicAdapter
	client    *http.Client
}

// NewBedrockAdapter creates a Bedrock adapter with a SigV4 signing
// transport. Signing is lazy-initialized so a gateway with no Bedrock
// routes never touches the AWS credential chain.
func NewBedrockAdapter() *BedrockAdapter {
	return &BedrockAdapter{
		BaseAdapter: BaseAdapter{name: "bedrock", protocol: config.ProtocolBedrock},
		anthropic:   NewAnthropicAdapter(),
		client: &http.Client{
			Transport: &signingTransport{base: sharedClient.Transport},
		},
	}
}

// buildBody produces the Bedrock variant of the Anthropic body: same
// Messages payload with model/stream stripped (both live outside the body)
// and the Bedrock anthropic_version marker added.
func (a *BedrockAdapter) buildBody(target router.Target, req *Request) ([]byte, error) {
	body, err := a.anthropic.buildBody(target, req)
	if err != nil {
		return nil, err
	}
	body, err = sjson.DeleteBytes(body, "model")
	if err != nil {
		return nil, err
	}
	body, err = sjson.DeleteBytes(body, "stream")
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "anthropic_version", "bedrock-2023-05-31")
}

// Stream implements StreamAdapter.
func (a *BedrockAdapter) Stream(ctx context.Context, target router.Target, req *Request, _ string, out chan<- events.Event) {
	body, err := a.buildBody(target, req)
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamProtocol, fmt.Sprintf("failed to build bedrock request: %v", err)))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/model/%s/invoke-with-response-stream", target.BaseURL, target.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		emit(ctx, out, events.Error(events.KindUpstreamTransport, err.Error()))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		emitTransportError(ctx, out, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		emitStatusError(ctx, out, a.name, resp)
		return
	}

	watchdog := newIdleWatchdog(target.IdleGapTimeout, cancel)
	defer watchdog.Stop()

	// Same typed-event stream as direct Anthropic.
	a.anthropic.readStream(ctx, resp, watchdog, out)
}

// signingTransport is an http.RoundTripper that signs requests with AWS
// SigV4 for the bedrock service. Credentials load lazily from the standard
// AWS chain on first use.
type signingTransport struct {
	base        http.RoundTripper
	credentials aws.CredentialsProvider
	region      string
	signer      *v4.Signer
	initErr     error
	initOnce    sync.Once
}

func (t *signingTransport) init(ctx context.Context) {
	t.initOnce.Do(func() { t.doInit(ctx) })
}

func (t *signingTransport) doInit(ctx context.Context) {
	t.signer = v4.NewSigner()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		t.initErr = fmt.Errorf("failed to load AWS config: %w", err)
		return
	}
	t.region = cfg.Region
	if t.region == "" {
		t.region = "us-east-1"
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		t.initErr = fmt.Errorf("failed to retrieve AWS credentials: %w", err)
		return
	}
	t.credentials = cfg.Credentials

	log.Info().Str("region", t.region).Msg("bedrock: SigV4 signer initialized")
}

// RoundTrip signs the request with SigV4 before sending.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.init(req.Context())
	if t.initErr != nil {
		return nil, t.initErr
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	creds, err := t.credentials.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	payloadHash := fmt.Sprintf("%x", sha256.Sum256(body))
	if err := t.signer.SignHTTP(req.Context(), creds, req, payloadHash, "bedrock", t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign bedrock request: %w", err)
	}

	// Reset body reader after signing.
	req.Body = io.NopCloser(bytes.NewReader(body))

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Ensure BedrockAdapter implements StreamAdapter.
var _ StreamAdapter = (*BedrockAdapter)(nil)
