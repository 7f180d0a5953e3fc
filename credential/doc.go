// Package credential abstracts the platform OS credential store (macOS
// Keychain, Linux Secret Service, Windows Credential Manager) behind a
// minimal get/set/delete surface keyed by (service, user).
package credential
