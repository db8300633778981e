// Package stanza owns the XML stanza shapes exchanged with the push server.
//
// Ownership boundary:
// - IQ envelope encode/decode over a token stream
// - registration (jabber:iq:register) and non-SASL auth (jabber:iq:auth) queries
// - the androidpn:iq:notification extension and its streaming parser
// - the provider registry that maps child element names to decoders
//
// Decoding works on xml.Token sequences rather than bytes so that one
// malformed stanza can be dropped without desynchronizing the stream.
package stanza
