// Package session drives one streaming exchange with the completion
// endpoint at a time: request issuance, frame decoding, retry decisions,
// and terminal status writes into the shared store.
package session
