package types

// Version is the canonical daemon version reported by the control plane's
// status command.
const Version = "0.1.0"
