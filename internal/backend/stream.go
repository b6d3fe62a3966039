// Package backend provides the duplex stream transport to the Bedrock
// realtime speech model.
package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/smithy-go"

	"github.com/stanzaai/sonicgate/internal/creds"
)

const (
	signingService         = "bedrock"
	eventStreamContentType = "application/vnd.amazon.eventstream"
	chunkEventType         = "chunk"

	// Payload hash marker for requests whose body is a signed event
	// stream rather than fixed bytes.
	streamingEventsHash = "STREAMING-AWS4-HMAC-SHA256-EVENTS"
)

// ErrStreamClosed reports a receive on a stream the backend has ended.
var ErrStreamClosed = errors.New("backend stream closed")

// Stream is one open duplex channel: independent send and receive
// directions carrying opaque JSON frames.
type Stream interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener establishes duplex streams against the backend model endpoint.
type Opener interface {
	Open(ctx context.Context, c creds.Credentials) (Stream, error)
}

// BedrockOpener opens bidirectional invocation streams against a fixed
// model in a fixed region. The Go SDK only generates response-streaming
// Bedrock runtime operations, so the invoke-with-bidirectional-stream
// endpoint is driven directly: an HTTP/2 POST whose request body is a
// SigV4-signed event stream and whose response body is the model's
// event stream back. Each Open signs with the credential snapshot it
// was given, so a refreshed identity takes effect on the next stream
// establishment.
type BedrockOpener struct {
	ModelID string
	Region  string

	// Endpoint overrides the regional Bedrock runtime endpoint.
	Endpoint string
	// HTTPClient overrides the shared stream client. The endpoint
	// needs full-duplex HTTP/2, so any replacement must negotiate it.
	HTTPClient *http.Client
}

// No client timeout: streams live as long as the session. Duplex use
// of the connection relies on HTTP/2.
var defaultStreamClient = &http.Client{
	Transport: &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: true,
	},
}

func (o *BedrockOpener) Open(ctx context.Context, c creds.Credentials) (Stream, error) {
	endpoint := o.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", o.Region)
	}
	target := endpoint + "/model/" + url.PathEscape(o.ModelID) + "/invoke-with-bidirectional-stream"

	// The request body stays open for the life of the stream; Send
	// frames payloads onto the write half of the pipe.
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", eventStreamContentType)
	req.Header.Set("X-Amz-Content-Sha256", streamingEventsHash)

	awsCreds := aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
	if err := v4.NewSigner().SignHTTP(ctx, awsCreds, req, streamingEventsHash, signingService, o.Region, time.Now().UTC()); err != nil {
		pw.Close()
		return nil, fmt.Errorf("sign stream request: %w", err)
	}
	seed, err := seedSignature(req.Header.Get("Authorization"))
	if err != nil {
		pw.Close()
		return nil, err
	}

	client := o.HTTPClient
	if client == nil {
		client = defaultStreamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("open bidirectional stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		pw.Close()
		defer resp.Body.Close()
		return nil, openError(resp)
	}

	return &bedrockStream{
		writer:  pw,
		body:    resp.Body,
		encoder: eventstream.NewEncoder(),
		decoder: eventstream.NewDecoder(),
		signer:  v4.NewStreamSigner(awsCreds, signingService, o.Region, seed),
	}, nil
}

// seedSignature pulls the request signature out of the Authorization
// header. Every event signature chains off it.
func seedSignature(authorization string) ([]byte, error) {
	_, hexSig, ok := strings.Cut(authorization, "Signature=")
	if !ok {
		return nil, errors.New("authorization header carries no signature")
	}
	sig, err := hex.DecodeString(strings.TrimSpace(hexSig))
	if err != nil {
		return nil, fmt.Errorf("decode seed signature: %w", err)
	}
	return sig, nil
}

// openError turns a non-200 handshake response into an error that
// keeps the service's error code when one is present, so credential
// rejections stay classifiable.
func openError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	code := resp.Header.Get("X-Amzn-Errortype")
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code = code[:i]
	}
	if code == "" {
		return fmt.Errorf("open bidirectional stream: status %d: %s", resp.StatusCode, exceptionMessage(body))
	}
	return &smithy.GenericAPIError{Code: code, Message: exceptionMessage(body)}
}

func exceptionMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(payload)
}

// payloadPart is the JSON body of a chunk event in either direction.
// []byte round-trips as base64 per encoding/json.
type payloadPart struct {
	Bytes []byte `json:"bytes"`
}

type bedrockStream struct {
	writer  *io.PipeWriter
	body    io.ReadCloser
	encoder *eventstream.Encoder
	decoder *eventstream.Decoder

	// sendMu orders signatures: each one chains off the previous, so
	// sign and write happen as a unit.
	sendMu sync.Mutex
	signer *v4.StreamSigner

	closeOnce sync.Once
	closeErr  error
}

func (s *bedrockStream) Send(ctx context.Context, payload []byte) error {
	part, err := json.Marshal(payloadPart{Bytes: payload})
	if err != nil {
		return fmt.Errorf("encode payload part: %w", err)
	}
	chunk := newChunkMessage(part)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	signed, err := signEnvelope(ctx, s.signer, chunk, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sign chunk: %w", err)
	}
	if err := s.encoder.Encode(s.writer, signed); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

func newChunkMessage(payload []byte) eventstream.Message {
	var msg eventstream.Message
	msg.Headers.Set(eventstreamapi.MessageTypeHeader, eventstream.StringValue(eventstreamapi.EventMessageType))
	msg.Headers.Set(eventstreamapi.EventTypeHeader, eventstream.StringValue(chunkEventType))
	msg.Headers.Set(":content-type", eventstream.StringValue("application/json"))
	msg.Payload = payload
	return msg
}

// signEnvelope wraps a fully encoded event in the envelope the service
// verifies: a :date header and a :chunk-signature computed over the
// encoded date header and the raw event bytes.
func signEnvelope(ctx context.Context, signer *v4.StreamSigner, msg eventstream.Message, now time.Time) (eventstream.Message, error) {
	var raw bytes.Buffer
	if err := eventstream.NewEncoder().Encode(&raw, msg); err != nil {
		return eventstream.Message{}, err
	}

	var envelope eventstream.Message
	envelope.Headers.Set(eventstreamapi.DateHeader, eventstream.TimestampValue(now))
	envelope.Payload = raw.Bytes()

	var dateHeader bytes.Buffer
	if err := eventstream.EncodeHeaders(&dateHeader, envelope.Headers); err != nil {
		return eventstream.Message{}, err
	}
	sig, err := signer.GetSignature(ctx, dateHeader.Bytes(), envelope.Payload, now)
	if err != nil {
		return eventstream.Message{}, err
	}
	envelope.Headers.Set(eventstreamapi.ChunkSignatureHeader, eventstream.BytesValue(sig))
	return envelope, nil
}

func (s *bedrockStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Close unblocks the read by closing the response body.
		msg, err := s.decoder.Decode(s.body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}

		switch headerString(msg, eventstreamapi.MessageTypeHeader) {
		case eventstreamapi.EventMessageType:
			if headerString(msg, eventstreamapi.EventTypeHeader) != chunkEventType {
				// Unknown event shapes are skipped, matching the
				// relay-what-you-understand posture of the protocol.
				continue
			}
			var part payloadPart
			if err := json.Unmarshal(msg.Payload, &part); err != nil || part.Bytes == nil {
				continue
			}
			return part.Bytes, nil
		case eventstreamapi.ExceptionMessageType:
			return nil, &smithy.GenericAPIError{
				Code:    headerString(msg, eventstreamapi.ExceptionTypeHeader),
				Message: exceptionMessage(msg.Payload),
			}
		case eventstreamapi.ErrorMessageType:
			return nil, fmt.Errorf("stream error %s: %s",
				headerString(msg, eventstreamapi.ErrorCodeHeader),
				headerString(msg, eventstreamapi.ErrorMessageHeader))
		default:
			continue
		}
	}
}

func headerString(msg eventstream.Message, name string) string {
	v := msg.Headers.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}

// Close ends the send direction, which the service reads as end of
// input, then releases the receive side.
func (s *bedrockStream) Close() error {
	s.closeOnce.Do(func() {
		s.writer.Close()
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
