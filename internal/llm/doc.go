// Package llm defines the chat boundary used by the final-answer composer.
// Provider adapters live in sub-packages and translate the ordered message
// turns into provider-specific requests.
package llm
