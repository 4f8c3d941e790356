// Package messaging holds the per-delivery types handed to callers.
//
// A MessageContainer wraps the raw body of one delivery and parses it into
// the expected message type on first access, caching either the value or
// the parse failure. A MessageAcker binds one container to the channel and
// delivery tag it arrived with so the caller decides when to ack or nack.
// A BatchAcker covers every message pulled in one batch and settles them
// together with a single cumulative ack or nack on the last delivery tag.
//
// Example usage:
//
//	batch, err := rabbitkit.RetrieveMessages[LogEntryMessage](ctx, client, 500)
//	if err != nil {
//		return err
//	}
//	defer batch.Close()
//
//	for _, container := range batch.Containers {
//		entry, err := container.Message()
//		if err != nil {
//			return errors.Join(err, batch.Nack(false))
//		}
//		ship(entry)
//	}
//	return batch.Ack()
package messaging
