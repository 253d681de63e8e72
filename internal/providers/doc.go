// Package providers defines the assistant collaborator the control plane
// calls once a request has been authorized.
//
// This package provides:
//   - The Provider interface the inference client implements
//   - A Registry that routes each usage type to a provider
//   - A deterministic static provider for development and tests
//
// The real LLM client lives outside this repository; it only has to
// satisfy Provider.
package providers
