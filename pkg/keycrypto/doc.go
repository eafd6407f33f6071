// Package keycrypto holds the primitives behind the key server: canonical
// JSON signing, at-rest wrapping of group session seeds, the group message
// ratchet, per-device sealing of shared seeds and the client-side backup
// envelope used by keyctl.
//
// The server only ever calls the verify, wrap, ratchet and seal halves.
// Opening a device envelope or a backup envelope needs a private key that
// stays with the client.
package keycrypto
