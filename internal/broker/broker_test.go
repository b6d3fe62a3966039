package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stanzaai/sonicgate/internal/backend"
	"github.com/stanzaai/sonicgate/internal/creds"
	"github.com/stanzaai/sonicgate/internal/protocol"
)

type fakeStream struct {
	mu      sync.Mutex
	sent    []protocol.Event
	sendErr error
	errOnce bool

	incoming chan []byte
	done     chan struct{}
	once     sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		incoming: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (s *fakeStream) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		err := s.sendErr
		if s.errOnce {
			s.sendErr = nil
		}
		return err
	}
	ev, err := protocol.ParseMessage(payload)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, backend.ErrStreamClosed
	case data, ok := <-s.incoming:
		if !ok {
			return nil, backend.ErrStreamClosed
		}
		return data, nil
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) sentEvents() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Event, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeOpener struct {
	mu     sync.Mutex
	queued []*fakeStream
	opened []*fakeStream
	errs   []error
	opens  int
}

func (o *fakeOpener) Open(context.Context, creds.Credentials) (backend.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if len(o.errs) > 0 {
		err := o.errs[0]
		o.errs = o.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	var s *fakeStream
	if len(o.queued) > 0 {
		s = o.queued[0]
		o.queued = o.queued[1:]
	} else {
		s = newFakeStream()
	}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *fakeOpener) stream(i int) *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[i]
}

type staticSource struct{}

func (staticSource) Retrieve(context.Context) (creds.Credentials, error) {
	return creds.Credentials{
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		Expires:         time.Now().Add(time.Hour),
	}, nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	invoked []ToolInvocation
	result  any
}

func (d *recordingDispatcher) Invoke(_ context.Context, toolName, content string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invoked = append(d.invoked, ToolInvocation{Name: toolName, Content: content})
	if d.result == nil {
		return map[string]any{"result": "42"}
	}
	return d.result
}

func newTestBroker(opener *fakeOpener, d Dispatcher) *Broker {
	if d == nil {
		d = &recordingDispatcher{}
	}
	manager := creds.NewManager(staticSource{}, time.Minute, time.Hour)
	return New(opener, manager, d, "conn-test")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendPreservesCallOrder(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Close()

	events := []protocol.Event{
		protocol.SessionStart(),
		protocol.PromptStart("p1", nil, nil),
		protocol.ContentStartText("p1", "c1"),
		protocol.TextInput("p1", "c1", "hello", ""),
		protocol.ContentEnd("p1", "c1"),
	}
	for _, ev := range events {
		if err := b.Send(context.Background(), ev); err != nil {
			t.Fatalf("Send(%s) error = %v", ev.Type(), err)
		}
	}

	got := opener.stream(0).sentEvents()
	if len(got) != len(events) {
		t.Fatalf("sent %d events, want %d", len(got), len(events))
	}
	for i, ev := range events {
		if got[i].Type() != ev.Type() {
			t.Fatalf("event %d type = %q, want %q", i, got[i].Type(), ev.Type())
		}
	}
}

func TestSendBeforeInitializeIsNoop(t *testing.T) {
	b := newTestBroker(&fakeOpener{}, nil)
	if err := b.Send(context.Background(), protocol.SessionStart()); err != nil {
		t.Fatalf("Send() before initialize error = %v, want nil no-op", err)
	}
}

func TestSessionEndClosesBroker(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := b.Send(context.Background(), protocol.SessionEnd()); err != nil {
		t.Fatalf("Send(sessionEnd) error = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("State() = %v after sessionEnd, want StateClosed", b.State())
	}
}

func TestSessionEndClosesEvenWhenWriteFails(t *testing.T) {
	failing := newFakeStream()
	failing.sendErr = errors.New("connection reset")
	opener := &fakeOpener{queued: []*fakeStream{failing}}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := b.Send(context.Background(), protocol.SessionEnd()); err == nil {
		t.Fatalf("Send(sessionEnd) should surface the write error")
	}
	if b.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed regardless of write outcome", b.State())
	}
}

func TestEnqueueAudioDropsInvalidChunks(t *testing.T) {
	b := newTestBroker(&fakeOpener{}, nil)

	b.EnqueueAudio(AudioChunk{ContentName: "c1", Payload: "AAAA"})
	b.EnqueueAudio(AudioChunk{PromptName: "p1", Payload: "AAAA"})
	b.EnqueueAudio(AudioChunk{PromptName: "p1", ContentName: "c1"})

	if n := b.AudioQueueLen(); n != 0 {
		t.Fatalf("AudioQueueLen() = %d, want 0", n)
	}
}

func TestAudioForwardedInEnqueueOrder(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)

	// Enqueued before the forward loop exists.
	b.EnqueueAudio(AudioChunk{PromptName: "p1", ContentName: "c1", Payload: "first"})
	b.EnqueueAudio(AudioChunk{PromptName: "p1", ContentName: "c1", Payload: "second"})

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Close()

	stream := opener.stream(0)
	waitFor(t, "two forwarded audio events", func() bool {
		return len(stream.sentEvents()) == 2
	})

	sent := stream.sentEvents()
	for i, want := range []string{"first", "second"} {
		if sent[i].Type() != protocol.TypeAudioInput {
			t.Fatalf("event %d type = %q, want audioInput", i, sent[i].Type())
		}
		if sent[i].Content() != want {
			t.Fatalf("event %d payload = %q, want %q", i, sent[i].Content(), want)
		}
	}
}

func TestToolRoundTripEmitsThreeEvents(t *testing.T) {
	opener := &fakeOpener{}
	dispatcher := &recordingDispatcher{}
	b := newTestBroker(opener, dispatcher)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Close()

	stream := opener.stream(0)
	toolUse := protocol.Event{"event": map[string]any{"toolUse": map[string]any{
		"toolName":  "getDateTool",
		"toolUseId": "tu-1",
		"content":   `{"query":"now"}`,
	}}}
	contentEnd := protocol.Event{"event": map[string]any{"contentEnd": map[string]any{
		"promptName":  "p1",
		"contentName": "c-trigger",
		"type":        "TOOL",
	}}}
	for _, ev := range []protocol.Event{toolUse, contentEnd} {
		raw, err := ev.Marshal()
		if err != nil {
			t.Fatalf("marshal fixture: %v", err)
		}
		stream.incoming <- raw
	}

	waitFor(t, "three emitted tool events", func() bool {
		return len(stream.sentEvents()) == 3
	})

	sent := stream.sentEvents()
	wantTypes := []protocol.EventType{protocol.TypeContentStart, protocol.TypeToolResult, protocol.TypeContentEnd}
	for i, want := range wantTypes {
		if sent[i].Type() != want {
			t.Fatalf("emitted event %d type = %q, want %q", i, sent[i].Type(), want)
		}
	}

	synthetic := sent[0].ContentName()
	if synthetic == "" || synthetic == "c-trigger" {
		t.Fatalf("synthetic content name %q must differ from the trigger", synthetic)
	}
	for i := 1; i < 3; i++ {
		if sent[i].ContentName() != synthetic {
			t.Fatalf("event %d content name = %q, want %q", i, sent[i].ContentName(), synthetic)
		}
	}

	if sent[0].ContentType() != protocol.ContentTypeTool {
		t.Fatalf("contentStart type = %q, want TOOL", sent[0].ContentType())
	}
	cfg, _ := sent[0].Payload()["toolResultInputConfiguration"].(map[string]any)
	if cfg == nil || cfg["toolUseId"] != "tu-1" {
		t.Fatalf("contentStart missing pending toolUseId: %+v", sent[0].Payload())
	}

	var result map[string]string
	if err := json.Unmarshal([]byte(sent[1].Content()), &result); err != nil {
		t.Fatalf("toolResult content is not JSON: %v", err)
	}
	if result["result"] != "42" {
		t.Fatalf("toolResult = %+v, want result=42", result)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.invoked) != 1 || dispatcher.invoked[0].Name != "getDateTool" {
		t.Fatalf("dispatcher invocations = %+v", dispatcher.invoked)
	}
}

func TestInboundEventsReachOutputQueueInOrder(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Close()

	stream := opener.stream(0)
	stream.incoming <- []byte(`{"event":{"textOutput":{"content":"one"}}}`)
	stream.incoming <- []byte(`{"event":{"textOutput":{"content":"two"}}}`)

	waitFor(t, "two queued output events", func() bool { return b.Output().Len() == 2 })

	for _, want := range []string{"one", "two"} {
		ev, ok := b.Output().Pop()
		if !ok {
			t.Fatalf("output queue closed early")
		}
		if ev.Content() != want {
			t.Fatalf("output content = %q, want %q", ev.Content(), want)
		}
		if _, ok := ev["timestamp"]; !ok {
			t.Fatalf("forwarded event missing capture timestamp: %+v", ev)
		}
	}
}

func TestMalformedFrameTaggedAsRaw(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Close()

	opener.stream(0).incoming <- []byte(`{half a frame`)

	waitFor(t, "raw frame in output queue", func() bool { return b.Output().Len() == 1 })
	ev, _ := b.Output().Pop()
	if ev["raw_data"] != `{half a frame` {
		t.Fatalf("raw_data = %v", ev["raw_data"])
	}
	if b.State() != StateActive {
		t.Fatalf("State() = %v, parse errors must not end the session", b.State())
	}
}

func TestNullFrameTaggedAsRaw(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Close()

	// Valid JSON, but not an object: unmarshals into a nil map.
	opener.stream(0).incoming <- []byte(`null`)

	waitFor(t, "raw frame in output queue", func() bool { return b.Output().Len() == 1 })
	ev, _ := b.Output().Pop()
	if ev["raw_data"] != `null` {
		t.Fatalf("raw_data = %v", ev["raw_data"])
	}
	if b.State() != StateActive {
		t.Fatalf("State() = %v, non-object frames must not end the session", b.State())
	}
}

func TestCloseAwaitsBackgroundTasks(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close() did not return")
	}
	if b.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed", b.State())
	}

	// The forward loop is gone; enqueued audio stays unsent.
	b.EnqueueAudio(AudioChunk{PromptName: "p1", ContentName: "c1", Payload: "late"})
	time.Sleep(20 * time.Millisecond)
	if got := opener.stream(0).sentEvents(); len(got) != 0 {
		t.Fatalf("events sent after Close: %d", len(got))
	}
}

func TestReceiveLoopTerminationClosesSession(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_ = opener.stream(0).Close()

	waitFor(t, "broker closed after stream end", func() bool { return b.State() == StateClosed })
}

func TestInitializeRetriesCredentialErrors(t *testing.T) {
	opener := &fakeOpener{errs: []error{
		errors.New("security token expired"),
		errors.New("access denied for credential"),
		nil,
	}}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v after credential retries", err)
	}
	defer b.Close()

	if opener.opens != 3 {
		t.Fatalf("opens = %d, want 3", opener.opens)
	}
}

func TestInitializeTerminalErrorClosesImmediately(t *testing.T) {
	opener := &fakeOpener{errs: []error{errors.New("connection refused")}}
	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err == nil {
		t.Fatalf("Initialize() should fail on a terminal error")
	}
	if opener.opens != 1 {
		t.Fatalf("opens = %d, terminal errors must not retry", opener.opens)
	}
	if b.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed", b.State())
	}
}

func TestSendRetriesOnceAfterCredentialFailure(t *testing.T) {
	first := newFakeStream()
	first.sendErr = errors.New("the security token included in the request is expired")
	first.errOnce = true
	opener := &fakeOpener{queued: []*fakeStream{first}}

	b := newTestBroker(opener, nil)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer b.Close()

	if err := b.Send(context.Background(), protocol.SessionStart()); err != nil {
		t.Fatalf("Send() error = %v, want retry to succeed", err)
	}
	if opener.opens != 2 {
		t.Fatalf("opens = %d, want reinitialized stream", opener.opens)
	}
}
