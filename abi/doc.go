// Package abi specifies the flat function-pointer table that lets a
// foreign (non-Go, non-reactor-aware) caller drive an AsyncSteps tree,
// grounded on original_source's futoin/ri/binaryapi.hpp and
// src/binaryapi.cpp. Only the table's shape and bridging rules are in
// scope here: add, parallel, stateVariable, stack, success, handle_error,
// setTimeout, setCancel, waitExternal, loop, repeat, breakLoop,
// continueLoop, execute, cancel, addSync, rootId, isValid, newInstance,
// free, sched_immediate, sched_deferred, sched_cancel, sched_is_valid,
// is_same_thread, plus the two-slot sync table (lock, unlock).
//
// The C original marshals arguments through a C-string/void* ABI designed
// to cross a shared-library boundary. Nothing here reproduces that
// marshalling: every slot is a plain Go function value taking and
// returning Go types, since the only "foreign" caller a Go module needs
// to support is another Go package unwilling to import asyncsteps
// directly (a plugin, a generated binding, a test double). NewNativeTable
// binds the table to the real reactor/asyncsteps/syncprim packages.
package abi
