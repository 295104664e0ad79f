// Package email has the basic types for working with mail messages:
// addresses and MIME-style headers.
//
// Header parsing lives in the imf package, which is deliberately
// tolerant of the malformed headers mobile clients and bulk senders
// produce.
package email

// Address is an email address.
type Address struct {
	Name string // proper name, may be empty
	Addr string // user@domain
}
