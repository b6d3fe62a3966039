// Package broker owns one backend duplex stream per client connection:
// outbound serialization, inbound event handling, the tool-result
// sub-protocol, and the audio ingestion queue.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stanzaai/sonicgate/internal/backend"
	"github.com/stanzaai/sonicgate/internal/creds"
	"github.com/stanzaai/sonicgate/internal/protocol"
)

// State tracks the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

// One initial attempt plus two credential-driven retries.
const maxStreamAttempts = 3

// One send plus one retry after a credential refresh.
const maxSendAttempts = 2

var ErrAlreadyInitialized = errors.New("broker already initialized")

// AudioChunk is one base64 audio payload bound for the backend stream.
// Ownership transfers to the audio queue on enqueue.
type AudioChunk struct {
	PromptName  string
	ContentName string
	Payload     string
}

// ToolInvocation is the single outstanding backend tool request. The
// receive loop awaits the dispatcher before reading the next frame, so
// at most one invocation is pending at a time.
type ToolInvocation struct {
	Name    string
	UseID   string
	Content string
}

// Dispatcher answers backend tool invocations. Implementations never
// return an error; failures surface as textual results.
type Dispatcher interface {
	Invoke(ctx context.Context, toolName, content string) any
}

// Broker manages one bidirectional backend stream and the background
// tasks attached to it.
type Broker struct {
	opener     backend.Opener
	creds      *creds.Manager
	dispatcher Dispatcher
	connID     string

	mu               sync.Mutex
	state            State
	stream           backend.Stream
	promptName       string
	audioContentName string
	pending          *ToolInvocation

	// emitMu serializes every write to the stream. The tool
	// sub-protocol holds it across its three-event sequence so caller
	// sends cannot split the emission.
	emitMu sync.Mutex

	audioQ *Queue[AudioChunk]
	outQ   *Queue[protocol.Event]

	loopCancel context.CancelFunc
	bg         sync.WaitGroup
	recvDone   chan struct{}
	closeOnce  sync.Once
}

func New(opener backend.Opener, manager *creds.Manager, dispatcher Dispatcher, connID string) *Broker {
	return &Broker{
		opener:     opener,
		creds:      manager,
		dispatcher: dispatcher,
		connID:     connID,
		audioQ:     NewQueue[AudioChunk](),
		outQ:       NewQueue[protocol.Event](),
	}
}

// State returns the current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Output is the queue of backend events awaiting delivery to the client.
func (b *Broker) Output() *Queue[protocol.Event] { return b.outQ }

// SetPromptName records the prompt identifier assigned by the client.
func (b *Broker) SetPromptName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promptName = name
}

// SetAudioContentName records the client's audio content identifier.
func (b *Broker) SetAudioContentName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audioContentName = name
}

// Initialize opens the backend stream and starts the receive loop, the
// audio-forward loop and the credential-refresh loop. Stream
// establishment is retried only on credential-class failures, up to two
// extra attempts with a refresh before each. Exhaustion closes the
// broker and returns the error.
func (b *Broker) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return ErrAlreadyInitialized
	}
	b.state = StateInitializing
	b.mu.Unlock()

	if b.creds.IsStale() {
		if err := b.creds.Refresh(ctx); err != nil {
			b.markClosed()
			return err
		}
	}

	stream, err := b.openStream(ctx)
	if err != nil {
		b.markClosed()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.stream = stream
	b.state = StateActive
	b.loopCancel = cancel
	b.recvDone = make(chan struct{})
	b.mu.Unlock()

	b.bg.Add(2)
	go func() {
		defer b.bg.Done()
		b.creds.RunRefreshLoop(loopCtx)
	}()
	go func() {
		defer b.bg.Done()
		b.audioLoop(loopCtx)
	}()
	go func() {
		b.receiveLoop(loopCtx)
		close(b.recvDone)
		b.Close()
	}()

	b.logf("stream initialized")
	return nil
}

func (b *Broker) openStream(ctx context.Context) (backend.Stream, error) {
	var lastErr error
	for attempt := 1; attempt <= maxStreamAttempts; attempt++ {
		c, _ := b.creds.Current()
		stream, err := b.opener.Open(ctx, c)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if backend.Classify(err) != backend.KindCredential || attempt == maxStreamAttempts {
			break
		}
		b.logf("credential error opening stream (attempt %d): %v; refreshing and retrying", attempt, err)
		if rerr := b.creds.Refresh(ctx); rerr != nil {
			b.logf("credential refresh failed: %v", rerr)
		}
	}
	return nil, fmt.Errorf("open backend stream: %w", lastErr)
}

// Send serializes the event and writes it to the stream. It is a no-op
// when no active stream exists. A sessionEnd event closes the broker
// after the write attempt. Credential-class write failures trigger one
// refresh-and-reinitialize retry; other failures are logged and the
// send abandoned.
func (b *Broker) Send(ctx context.Context, ev protocol.Event) error {
	b.emitMu.Lock()
	err := b.sendLocked(ctx, ev)
	b.emitMu.Unlock()

	// Close after releasing the emit lock; Close joins the receive
	// loop, which may itself be waiting to emit.
	if ev.Type() == protocol.TypeSessionEnd {
		b.Close()
	}
	return err
}

func (b *Broker) sendLocked(ctx context.Context, ev protocol.Event) error {
	b.mu.Lock()
	stream, active := b.stream, b.state == StateActive
	b.mu.Unlock()
	if stream == nil || !active {
		return nil
	}

	if b.creds.IsStale() {
		if err := b.creds.Refresh(ctx); err != nil {
			b.logf("pre-send credential refresh failed: %v", err)
		}
	}

	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	isSessionEnd := ev.Type() == protocol.TypeSessionEnd

	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err = stream.Send(ctx, payload)
		if err == nil {
			return nil
		}

		if backend.Classify(err) != backend.KindCredential || attempt == maxSendAttempts {
			break
		}

		b.logf("credential error sending %s: %v; refreshing", ev.Type(), err)
		if rerr := b.creds.Refresh(ctx); rerr != nil {
			b.logf("credential refresh failed: %v", rerr)
		}
		// A failed sessionEnd is not worth a new stream; the caller
		// closes the session either way.
		if isSessionEnd {
			return err
		}
		if rerr := b.reopenStream(ctx); rerr != nil {
			b.logf("stream reinitialization failed: %v", rerr)
			return rerr
		}
		b.mu.Lock()
		stream = b.stream
		b.mu.Unlock()
	}

	b.logf("send %s abandoned: %v", ev.Type(), err)
	return err
}

// reopenStream replaces the stream in place after a credential-class
// send failure. The receive loop detects the swap and carries on with
// the new stream.
func (b *Broker) reopenStream(ctx context.Context) error {
	b.mu.Lock()
	old := b.stream
	b.mu.Unlock()

	stream, err := b.openStream(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.stream = stream
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (b *Broker) currentStream() backend.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// EnqueueAudio validates and queues one audio chunk. Chunks missing the
// prompt name, content name or payload are dropped with a log and never
// reach the queue.
func (b *Broker) EnqueueAudio(chunk AudioChunk) {
	if chunk.PromptName == "" || chunk.ContentName == "" || chunk.Payload == "" {
		b.logf("dropping audio chunk with missing fields")
		return
	}
	b.audioQ.Push(chunk)
}

// AudioQueueLen reports the number of queued audio chunks.
func (b *Broker) AudioQueueLen() int { return b.audioQ.Len() }

func (b *Broker) audioLoop(ctx context.Context) {
	for {
		chunk, ok := b.audioQ.Pop()
		if !ok {
			return
		}
		ev := protocol.AudioInput(chunk.PromptName, chunk.ContentName, chunk.Payload)
		if err := b.Send(ctx, ev); err != nil {
			b.logf("audio forward failed: %v", err)
		}
	}
}

func (b *Broker) receiveLoop(ctx context.Context) {
	for {
		stream := b.currentStream()
		if stream == nil {
			return
		}
		data, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if b.currentStream() != stream {
				// Stream was replaced by a send-path retry.
				continue
			}
			if !errors.Is(err, backend.ErrStreamClosed) {
				b.logf("receive loop terminated: %v", err)
			}
			return
		}
		b.handleFrame(ctx, data)
	}
}

func (b *Broker) handleFrame(ctx context.Context, data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil || frame == nil {
		// Surface unparsed bytes to the client rather than dropping them.
		// A literal null parses cleanly but leaves the map nil, so it
		// takes the same path instead of being written into.
		b.outQ.Push(protocol.Event{"raw_data": string(data)})
		return
	}

	frame["timestamp"] = time.Now().UnixMilli()
	ev := protocol.Event(frame)

	switch {
	case ev.Type() == protocol.TypeToolUse:
		b.mu.Lock()
		b.pending = &ToolInvocation{
			Name:    ev.ToolName(),
			UseID:   ev.ToolUseID(),
			Content: ev.Content(),
		}
		b.mu.Unlock()
	case ev.Type() == protocol.TypeContentEnd && ev.ContentType() == protocol.ContentTypeTool:
		b.answerToolUse(ctx, ev.PromptName())
	}

	b.outQ.Push(ev)
}

// answerToolUse runs the tool sub-protocol: contentStart(TOOL) carrying
// the pending toolUseId, the dispatcher's result, and a closing
// contentEnd, all under one synthetic content identifier. The emit lock
// is held across the sequence so no concurrent send can split it.
func (b *Broker) answerToolUse(ctx context.Context, promptName string) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	if promptName == "" {
		promptName = b.promptName
	}
	b.mu.Unlock()

	if pending == nil {
		b.logf("tool content ended with no pending invocation")
		return
	}

	result := b.dispatcher.Invoke(ctx, pending.Name, pending.Content)
	content, ok := result.(string)
	if !ok {
		encoded, err := json.Marshal(result)
		if err != nil {
			b.logf("encode tool result: %v", err)
			encoded = []byte("{}")
		}
		content = string(encoded)
	}

	toolContent := uuid.NewString()

	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	if err := b.sendLocked(ctx, protocol.ContentStartTool(promptName, toolContent, pending.UseID)); err != nil {
		return
	}
	if err := b.sendLocked(ctx, protocol.ToolResult(promptName, toolContent, content)); err != nil {
		return
	}
	_ = b.sendLocked(ctx, protocol.ContentEnd(promptName, toolContent))
}

// Close cancels and awaits every background task, closes the stream and
// transitions to Closed. It is idempotent and safe to call from any
// goroutine, including the receive loop's own teardown path.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosing
		stream := b.stream
		cancel := b.loopCancel
		recvDone := b.recvDone
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		b.audioQ.Close()
		if stream != nil {
			_ = stream.Close()
		}
		b.bg.Wait()
		if recvDone != nil {
			<-recvDone
		}
		b.outQ.Close()

		b.markClosed()
		b.logf("session closed")
	})
}

func (b *Broker) markClosed() {
	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
}

func (b *Broker) logf(format string, args ...any) {
	log.Printf("[%s] broker: "+format, append([]any{b.connID}, args...)...)
}
