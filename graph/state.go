//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package graph

// State is the record threaded through every node of a graph. Concrete
// state types are tagged structs owned by the domain package; the engine
// only clones, merges, and serializes them.
//
// Merge contract: a node never mutates the state it receives. It returns a
// Delta; the executor calls Apply on the current state and continues with
// the result. Apply must implement a documented merge rule per field:
// scalars overwrite, and list fields replace rather than append unless the
// field's rule says otherwise. Nodes that want to keep prior list items
// must carry them forward in the delta. This is the single most
// error-prone contract in the engine and every node is expected to
// unit-test it.
type State interface {
	// Clone returns a deep enough copy that the executor can hold the
	// previous version while a node runs.
	Clone() State

	// Apply merges a node delta into the state and returns the result.
	// A nil delta returns the state unchanged.
	Apply(delta Delta) State
}

// Delta is a node-produced state update. Each concrete state type defines
// its own delta struct with explicit optional fields; nil fields are left
// untouched by Apply.
type Delta any
