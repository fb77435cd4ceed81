package strand

import "github.com/zoobzio/capitan"

// Lifecycle signals, emitted on every invocation.
var (
	RequestStarted        = capitan.NewSignal("strand.request.started", "Chain invocation started")
	RequestCompleted      = capitan.NewSignal("strand.request.completed", "Chain invocation completed")
	RequestFailed         = capitan.NewSignal("strand.request.failed", "Chain invocation failed")
	ProviderCallStarted   = capitan.NewSignal("strand.provider.call.started", "Provider call started")
	ProviderCallCompleted = capitan.NewSignal("strand.provider.call.completed", "Provider call completed")
	ProviderCallFailed    = capitan.NewSignal("strand.provider.call.failed", "Provider call failed")
	ResponseParseFailed   = capitan.NewSignal("strand.response.failed", "Model response could not be parsed")
)

// Debug trace signals, emitted only by chains built WithDebug(true).
var (
	TraceChainStart  = capitan.NewSignal("strand.trace.chain.start", "Entering chain run")
	TracePromptEnd   = capitan.NewSignal("strand.trace.prompt.end", "Prompt template formatted")
	TraceLLMStart    = capitan.NewSignal("strand.trace.llm.start", "Entering model run")
	TraceLLMEnd      = capitan.NewSignal("strand.trace.llm.end", "Model run finished")
	TraceStreamChunk = capitan.NewSignal("strand.trace.llm.chunk", "Model streamed a fragment")
	TraceParserEnd   = capitan.NewSignal("strand.trace.parser.end", "Output parser finished")
	TraceChainEnd    = capitan.NewSignal("strand.trace.chain.end", "Chain run finished")
	TraceChainError  = capitan.NewSignal("strand.trace.chain.error", "Chain run errored")
)

// TraceSignals lists every debug trace signal in pipeline order.
var TraceSignals = []capitan.Signal{
	TraceChainStart,
	TracePromptEnd,
	TraceLLMStart,
	TraceStreamChunk,
	TraceLLMEnd,
	TraceParserEnd,
	TraceChainEnd,
	TraceChainError,
}

// Keys for hook event fields.
var (
	// Run identification.
	RunIDKey = capitan.NewStringKey("strand.run.id")
	ChainKey = capitan.NewStringKey("strand.chain")
	StepKey  = capitan.NewStringKey("strand.step")
	ModeKey  = capitan.NewStringKey("strand.mode") // "invoke" or "stream"
	SeqKey   = capitan.NewIntKey("strand.seq")    // trace order within a run

	// Input/Output data.
	InputKey    = capitan.NewStringKey("strand.input")
	MessagesKey = capitan.NewStringKey("strand.messages")
	OutputKey   = capitan.NewStringKey("strand.output")
	ChunkKey    = capitan.NewStringKey("strand.chunk")

	// Error information.
	ErrorKey     = capitan.NewStringKey("strand.error")
	ErrorTypeKey = capitan.NewStringKey("strand.error.type")

	// Provider information.
	ProviderKey    = capitan.NewStringKey("strand.provider")
	ModelKey       = capitan.NewStringKey("strand.model")
	TemperatureKey = capitan.NewFloat64Key("strand.temperature")
	MaxTokensKey   = capitan.NewIntKey("strand.max_tokens")

	// Provider metrics.
	PromptTokensKey     = capitan.NewIntKey("strand.tokens.prompt")
	CompletionTokensKey = capitan.NewIntKey("strand.tokens.completion")
	TotalTokensKey      = capitan.NewIntKey("strand.tokens.total")
	DurationMsKey       = capitan.NewIntKey("strand.duration.ms")

	// HTTP/API metadata.
	HTTPStatusCodeKey = capitan.NewIntKey("strand.http.status.code")
	APIErrorTypeKey   = capitan.NewStringKey("strand.api.error.type")

	// Response metadata.
	ResponseIDKey           = capitan.NewStringKey("strand.response.id")
	ResponseFinishReasonKey = capitan.NewStringKey("strand.response.finish.reason")
)
