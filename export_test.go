package bufmem

// DebugContracts reports whether contract violations panic in this build.
const DebugContracts = debugContracts
