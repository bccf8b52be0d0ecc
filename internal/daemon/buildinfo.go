package daemon

// Version identifies this build for the code-signature/version fields
// written into daemon.json. Bumped by hand until release tooling overrides
// it with -ldflags.
const Version = "0.1.0"
