// Package promptctx keeps the scenario and rolling transcript history used as
// recognition context, and assembles prompts that stay within a token budget
// under a pluggable token counter.
package promptctx
