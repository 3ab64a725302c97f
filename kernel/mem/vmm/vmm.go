// Package vmm manages the x86_64 4-level page table hierarchy. The active
// hierarchy is always edited through the recursive mapping installed in the
// last P4 entry; inactive hierarchies are edited by temporarily pointing
// that entry at them.
package vmm
