// Package telephony contains the two outbound call providers (a conversational
// agent gateway and a scripted Twilio call) plus TwiML rendering for provider
// callbacks.
package telephony
