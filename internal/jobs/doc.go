// Package jobs runs transcription pipelines in the background for the
// service and watch modes. Jobs are identified by UUID, limited by a
// weighted semaphore, cancellable while queued or running, and expired a
// fixed retention period after they finish.
package jobs
