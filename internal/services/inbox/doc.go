// Package inbox is the single boundary every inbound envelope passes
// through, whichever transport carried it.
//
// Accept resolves the sender's key, opens the envelope, decodes the
// payload and checks the processed-id set before anything is surfaced. The
// live channel, the HTTP pending fetch and the store-and-forward poller all
// call it, so an envelope that arrives on more than one of them is
// surfaced once.
package inbox
