// Package courier dispatches chat messages reliably and gates sensitive
// flows behind a sliding-window rate limiter.
//
// A Client owns one ordered dispatch queue and one rate limiter:
//
//	client, err := courier.NewClient(ctx)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	payload, err := contracts.NewPayload(conversationID, userID, "Can you come on Tuesday?")
//	if err != nil {
//		return err
//	}
//	id := client.Send(payload)
//
//	if !client.Limiter().CanAttempt(ctx, "login") {
//		return errTooManyAttempts
//	}
package courier
