package strand

import "sync/atomic"

// ChainRequest flows through the pipz pipeline.
// It carries the invocation values, the assembled messages and the results.
type ChainRequest struct {
	// Input fields
	Values   map[string]any // Template values for this invocation
	Settings Settings       // Generation settings sent to the provider

	// Metadata fields
	RunID        string // Unique identifier for this invocation
	ChainName    string // Name of the chain being run
	ProviderName string // Name of the provider being used
	Debug        bool   // Whether trace signals are emitted

	// Populated by the pipeline
	Messages []Message        // Output of the prompt stage
	Response *ProviderResponse // Output of the llm-call stage
	Stream   *Stream           // Output of the llm-stream stage
	Output   any               // Output of the parse stage

	traceSeq atomic.Int64
}
