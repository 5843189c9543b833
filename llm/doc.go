// Package llm is the language-model provider boundary of the kernel.
//
// The runner depends only on Provider. An Anthropic Messages API adapter is
// included:
//
//	p := llm.NewAnthropic()  // reads ANTHROPIC_API_KEY
//
//	p := llm.NewAnthropic(llm.WithModel("claude-opus-4-20250514"))
//
// Non-2xx responses come back as *classify.ProviderError carrying the status
// code and response headers, so the error classifier can choose a retry
// policy. The adapter never retries on its own.
package llm
