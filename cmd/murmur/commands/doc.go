// Package commands defines the murmur CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init         Create the local identity
//   - fingerprint  Print the identity fingerprint
//   - register     Create an account on the relay
//   - lookup       Show a user's public record
//   - search       Find users by handle or display name
//   - send         Encrypt and send a message
//   - listen       Stay connected and print incoming messages
//   - history      Print the stored conversation with a peer
//
// # Implementation
//
// The root command loads the config file, applies environment overrides and
// flags, and builds an app.Runtime before any subcommand runs. Commands that
// need the relay unlock the runtime with the passphrase; the runtime is
// locked again when the command returns, which wipes every key.
package commands
