// Package agent turns the operator's chat messages into work. It builds the
// model context from live system state, parses the <action> blocks the model
// emits and executes them against tasks, approvals and memories.
package agent
