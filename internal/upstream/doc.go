// Package upstream is the SSE client for the external knowledge service.
//
// One StreamAnswer call maps to one question: it POSTs the question plus the
// prior turns and decodes the resulting text/event-stream into typed events.
// Named frames are demultiplexed as follows: chat_chunk carries the
// accumulated answer state, status_update carries service progress, error
// carries a typed failure. Validation rejections and transport failures are
// retried up to a fixed cap with no backoff; every other failure terminates
// the stream. Malformed frames are logged and dropped.
package upstream
