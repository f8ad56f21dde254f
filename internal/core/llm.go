package core

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ProviderKind identifies which transport a client speaks.
type ProviderKind string

const (
	// ProviderBedrock invokes a cloud-hosted model through AWS Bedrock ConverseStream.
	ProviderBedrock ProviderKind = "bedrock"
	// ProviderGemini posts the prompt to an HTTP endpoint and reads a server-sent-event stream.
	ProviderGemini ProviderKind = "gemini"
	// ProviderOpenAI talks to an OpenAI-compatible /chat/completions endpoint (Azure included).
	ProviderOpenAI ProviderKind = "openai"
)

// ProviderKinds returns every supported kind in a stable order.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{ProviderBedrock, ProviderGemini, ProviderOpenAI}
}

// ParseProviderKind maps a user supplied name to a ProviderKind.
func ParseProviderKind(s string) (ProviderKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range ProviderKinds() {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

func (k ProviderKind) String() string { return string(k) }

// Tuning holds optional generation parameters. A nil field means "not set".
type Tuning struct {
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
}

// Tuning parameter names as they appear in property files and log lines.
const (
	TuningMaxTokens   = "maxTokens"
	TuningTemperature = "temperature"
	TuningTopP        = "topP"
)

// IsZero reports whether no parameter is set.
func (t Tuning) IsZero() bool {
	return t.MaxTokens == nil && t.Temperature == nil && t.TopP == nil
}

// Names lists the parameters that are set.
func (t Tuning) Names() []string {
	var names []string
	if t.MaxTokens != nil {
		names = append(names, TuningMaxTokens)
	}
	if t.Temperature != nil {
		names = append(names, TuningTemperature)
	}
	if t.TopP != nil {
		names = append(names, TuningTopP)
	}
	return names
}

// Merge returns t with every field that is set in o overriding it.
func (t Tuning) Merge(o Tuning) Tuning {
	if o.MaxTokens != nil {
		t.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		t.Temperature = o.Temperature
	}
	if o.TopP != nil {
		t.TopP = o.TopP
	}
	return t
}

// ModelConfig describes one request's target. It is read-only once built.
type ModelConfig struct {
	Provider ProviderKind
	Model    string
	// RegionOrEndpoint is an AWS region for bedrock and a URL for the HTTP providers.
	RegionOrEndpoint string
	// CredentialRef names where the credential lives: an environment variable for the
	// HTTP providers, a shared config profile for bedrock. Empty selects the default.
	CredentialRef string
	Tuning        Tuning
}

// Sink receives the events of one streaming call.
//
// OnChunk may be called any number of times, followed by exactly one of OnComplete or
// OnError. Implementations must tolerate callbacks from a goroutine other than the
// caller's.
type Sink interface {
	OnChunk(text string)
	OnComplete()
	OnError(err error)
}

// Provider is a client bound to one ModelConfig.
type Provider interface {
	Kind() ProviderKind
	Model() string

	// StartStream sends prompt and reports the response to sink. Synchronous transports
	// return once the stream has ended; asynchronous ones return as soon as the stream is
	// open and keep calling sink from their own goroutine. A non-nil error is a failure
	// of the call and is equivalent to sink.OnError.
	StartStream(ctx context.Context, prompt string, sink Sink) error
}

// TuningSupport is implemented by providers that can tell which tuning parameters they
// forward to the backend.
type TuningSupport interface {
	SupportsTuning(name string) bool
}

// ChunkFunc receives each streamed fragment as soon as it arrives.
type ChunkFunc func(chunk string)

// ChatOutcome is the result of one successful streaming call.
type ChatOutcome struct {
	RequestID string
	FullText  string

	ApproxInputTokens  int
	ApproxOutputTokens int

	Chunks   int
	Duration time.Duration
}

// ApproxTokens is the character-count token estimate used throughout: one token per
// Unicode code point. No tokenizer is involved.
func ApproxTokens(s string) int {
	return utf8.RuneCountInString(s)
}

// JoinPrompt builds the text sent to a model from the base prompt and the code body.
func JoinPrompt(base, code string) string {
	return base + "\n" + code
}
