// Package provider defines the unified contract that every backend adapter
// (OpenAI-compatible, Anthropic, Copilot, DashScope, llama.cpp) implements,
// plus the shared request/response/error shapes that flow through the
// router, registry, and metrics layers.
package provider
