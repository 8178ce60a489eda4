// Package llm defines the provider-neutral contract the research worker and the
// conversation turn handler use to talk to a language model. Provider adapters
// live in sub-packages.
package llm
