// Package sms delivers one-time codes.
//
// A [Gateway] reports only whether the message was accepted. Delivery
// receipts are out of scope; the caller treats any error as "no code was
// sent" and discards the code.
package sms
