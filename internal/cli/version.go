package cli

// Version is the release this command belongs to. Overridden at build time
// via -ldflags "-X github.com/roach88/syncreplay/internal/cli.Version=...".
var Version = "0.1.0"
