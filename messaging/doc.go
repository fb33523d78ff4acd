// Package messaging provides the ordered dispatch queue used to send chat
// messages from the client.
//
// A Queue accepts payloads from UI code, keeps them in strict FIFO order and
// drives each one through a bounded-retry delivery protocol against a Sender:
//   - at most one delivery attempt is in flight at a time
//   - a failed attempt is retried after an exponential backoff (2s, then 4s)
//     without letting any later message overtake it
//   - after the third failure the message is abandoned and the Notifier is told
//
// Example usage:
//
//	q := messaging.NewQueue(sender,
//		messaging.WithNotifier(toasts),
//		messaging.WithQueueLogger(logger),
//	)
//	defer q.Close()
//
//	payload, err := contracts.NewPayload(conversationID, userID, "Running 10 minutes late")
//	if err != nil {
//		return err
//	}
//	id := q.Enqueue(payload)
//
// Enqueue never blocks on delivery and never fails. Delivery outcomes are
// reported through the Notifier, the MetricsCollector and the abandoned store.
package messaging
