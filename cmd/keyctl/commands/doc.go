// Package commands defines keyctl, the client-side companion of the keys
// service. Everything here runs on the user's machine: private keys never
// reach the server.
//
// Commands
//
//   - recovery-key generate          Create a random backup key
//   - recovery-key from-passphrase   Derive a backup key with argon2id
//   - backup encrypt                 Seal session data to a backup public key
//   - backup decrypt                 Open session data with a recovery key
//   - cross-signing generate         Create master, self-signing and user-signing keys
package commands
