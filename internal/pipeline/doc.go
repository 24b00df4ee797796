// Package pipeline defines the shared types, collaborator interfaces and error
// taxonomy of the screenshot capture and analysis pipeline.
//
// Capture runs synchronously behind the ingress router: a target URL is
// rendered, the image is written to an ObjectWriter and a WorkItem is handed to
// a QueueSender. Analysis runs out of band: a QueueConsumer leases one WorkItem
// at a time, the image is read back, analyzed, and the resulting AnalysisRecord
// is upserted before the delivery is deleted. Items that keep failing are moved
// to a DeadLetterSink by the queue.
package pipeline
