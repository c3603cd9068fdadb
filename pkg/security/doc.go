/*
Package security provides the agent's two cryptographic concerns: decrypting
secret job variables with AES-256-GCM, and mutually-authenticated TLS for the
reference control-plane transport (pkg/controlplane/grpcsource).

Neither capability is a package-level singleton: a SecretsManager is
constructed with an explicit key (cmd/agent-worker reads it, base64
encoded, from FLEETAGENT_SECRETS_KEY in its environment; the IPC channel
does not carry it), and a TLS config is built from a certificate
directory path supplied by the caller, favoring explicit construction over
implicit discovery.
*/
package security
