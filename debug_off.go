//go:build !bufmemdebug

package bufmem

const debugContracts = false
