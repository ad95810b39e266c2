// Package agent runs a single tool query end to end: it resolves the tool in
// the registry, validates the positional arguments, invokes the handler with
// the per-query protocol environment and asks the LLM to compose the final
// structured answer. Every path, including failures and panics, ends in
// exactly one result.StructuredResult.
package agent
