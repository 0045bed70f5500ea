// Package crawler implements the checkpointed batch crawling engine: the
// identifier source, the retrying fetch executor, the output and failure
// ledgers, the run report and the orchestrator that drives them across
// numbered input chunk files.
package crawler
