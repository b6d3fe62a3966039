package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies the single discriminant key of an event envelope.
type EventType string

const (
	TypeSessionStart EventType = "sessionStart"
	TypePromptStart  EventType = "promptStart"
	TypeContentStart EventType = "contentStart"
	TypeAudioInput   EventType = "audioInput"
	TypeTextInput    EventType = "textInput"
	TypeToolResult   EventType = "toolResult"
	TypeContentEnd   EventType = "contentEnd"
	TypePromptEnd    EventType = "promptEnd"
	TypeSessionEnd   EventType = "sessionEnd"

	// Backend-initiated only.
	TypeToolUse    EventType = "toolUse"
	TypeTextOutput EventType = "textOutput"
)

// Content types carried by contentStart/contentEnd payloads.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"
)

var (
	ErrNoEvent    = errors.New("message has no event field")
	ErrEmptyEvent = errors.New("event object is empty")
)

// Event is one protocol frame of shape {"event": {<type>: {...}}}.
// Payloads are kept as loosely typed maps because frames are relayed
// verbatim between the client and the backend stream.
type Event map[string]any

// Type returns the discriminant key of the event object, or "" when the
// frame carries none. Events are single-variant by invariant.
func (e Event) Type() EventType {
	body, ok := e["event"].(map[string]any)
	if !ok {
		return ""
	}
	for k := range body {
		return EventType(k)
	}
	return ""
}

// Payload returns the fields of the event variant.
func (e Event) Payload() map[string]any {
	body, ok := e["event"].(map[string]any)
	if !ok {
		return nil
	}
	p, _ := body[string(e.Type())].(map[string]any)
	return p
}

func (e Event) stringField(name string) string {
	v, _ := e.Payload()[name].(string)
	return v
}

// PromptName returns the promptName field of the variant payload.
func (e Event) PromptName() string { return e.stringField("promptName") }

// ContentName returns the contentName field of the variant payload.
func (e Event) ContentName() string { return e.stringField("contentName") }

// ContentType returns the type field (TEXT, AUDIO or TOOL) of a
// contentStart or contentEnd payload.
func (e Event) ContentType() string { return e.stringField("type") }

// Content returns the content field of the variant payload.
func (e Event) Content() string { return e.stringField("content") }

// ToolName and ToolUseID read the tool identification fields of a
// toolUse payload.
func (e Event) ToolName() string  { return e.stringField("toolName") }
func (e Event) ToolUseID() string { return e.stringField("toolUseId") }

// Marshal serializes the frame for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(e))
}

// ParseMessage decodes a frame, unwrapping one optional level of
// {"body": "<json>"} enveloping. It returns ErrNoEvent for well-formed
// JSON that carries no event object.
func ParseMessage(raw []byte) (Event, error) {
	var outer map[string]any
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	if body, ok := outer["body"].(string); ok {
		inner := map[string]any{}
		if err := json.Unmarshal([]byte(body), &inner); err != nil {
			return nil, fmt.Errorf("invalid body envelope: %w", err)
		}
		outer = inner
	}

	ev, ok := outer["event"].(map[string]any)
	if !ok {
		return nil, ErrNoEvent
	}
	if len(ev) == 0 {
		return nil, ErrEmptyEvent
	}
	return Event(outer), nil
}

// DefaultAudioOutputConfiguration mirrors the speech output settings the
// backend expects for a spoken prompt.
func DefaultAudioOutputConfiguration() map[string]any {
	return map[string]any{
		"mediaType":       "audio/lpcm",
		"sampleRateHertz": 24000,
		"sampleSizeBits":  16,
		"channelCount":    1,
		"voiceId":         "matthew",
		"encoding":        "base64",
		"audioType":       "SPEECH",
	}
}

// SessionStart builds the opening frame of a backend session.
func SessionStart() Event {
	return wrap(TypeSessionStart, map[string]any{
		"inferenceConfiguration": map[string]any{
			"maxTokens":   1024,
			"topP":        0.9,
			"temperature": 0.7,
		},
	})
}

// PromptStart builds a promptStart frame. A nil audioConfig falls back to
// DefaultAudioOutputConfiguration; tools may be nil.
func PromptStart(promptName string, audioConfig map[string]any, tools []map[string]any) Event {
	if audioConfig == nil {
		audioConfig = DefaultAudioOutputConfiguration()
	}
	payload := map[string]any{
		"promptName": promptName,
		"textOutputConfiguration": map[string]any{
			"mediaType": "text/plain",
		},
		"audioOutputConfiguration": audioConfig,
	}
	if len(tools) > 0 {
		specs := make([]any, 0, len(tools))
		for _, t := range tools {
			specs = append(specs, t)
		}
		payload["toolConfiguration"] = map[string]any{"tools": specs}
	}
	return wrap(TypePromptStart, payload)
}

// ContentStartText opens an interactive USER text content block.
func ContentStartText(promptName, contentName string) Event {
	return wrap(TypeContentStart, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"type":        ContentTypeText,
		"interactive": true,
		"role":        "USER",
		"textInputConfiguration": map[string]any{
			"mediaType": "text/plain",
		},
	})
}

// ContentStartAudio opens an interactive USER audio content block.
func ContentStartAudio(promptName, contentName string) Event {
	return wrap(TypeContentStart, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"type":        ContentTypeAudio,
		"interactive": true,
		"role":        "USER",
		"audioInputConfiguration": map[string]any{
			"mediaType":       "audio/lpcm",
			"sampleRateHertz": 16000,
			"sampleSizeBits":  16,
			"channelCount":    1,
			"audioType":       "SPEECH",
			"encoding":        "base64",
		},
	})
}

// ContentStartTool opens the TOOL content block that answers a pending
// tool invocation identified by toolUseID.
func ContentStartTool(promptName, contentName, toolUseID string) Event {
	return wrap(TypeContentStart, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"type":        ContentTypeTool,
		"role":        "TOOL",
		"toolResultInputConfiguration": map[string]any{
			"toolUseId": toolUseID,
			"type":      ContentTypeText,
			"textInputConfiguration": map[string]any{
				"mediaType": "text/plain",
			},
		},
	})
}

// TextInput builds a text input frame for an open TEXT content block.
func TextInput(promptName, contentName, text, role string) Event {
	if role == "" {
		role = "USER"
	}
	return wrap(TypeTextInput, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     text,
		"role":        role,
	})
}

// AudioInput builds an audio input frame carrying a base64 payload.
func AudioInput(promptName, contentName, audioBase64 string) Event {
	return wrap(TypeAudioInput, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     audioBase64,
		"role":        "USER",
	})
}

// ToolResult builds the textual answer to a tool invocation.
func ToolResult(promptName, contentName, content string) Event {
	return wrap(TypeToolResult, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     content,
	})
}

// ContentEnd closes the content block named by contentName.
func ContentEnd(promptName, contentName string) Event {
	return wrap(TypeContentEnd, map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
	})
}

// PromptEnd closes the prompt.
func PromptEnd(promptName string) Event {
	return wrap(TypePromptEnd, map[string]any{"promptName": promptName})
}

// SessionEnd closes the session.
func SessionEnd() Event {
	return wrap(TypeSessionEnd, map[string]any{})
}

func wrap(t EventType, payload map[string]any) Event {
	return Event{"event": map[string]any{string(t): payload}}
}
