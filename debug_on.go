//go:build bufmemdebug

package bufmem

const debugContracts = true
